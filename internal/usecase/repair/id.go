package repair

import (
	"encoding/hex"
	"strconv"

	"github.com/zeebo/blake3"

	"konvo/internal/domain"
)

const (
	callIDPrefix = "call_"
	callIDHexLen = 24
)

// CallID derives a stable call ID from the tool name, the encoded
// arguments and the position of the call in its response.
func CallID(toolName string, args *domain.Arguments, index int) string {
	argsJSON := domain.ArgumentsJSON(args)
	buf := make([]byte, 0, len(toolName)+len(argsJSON)+8)
	buf = append(buf, toolName...)
	buf = append(buf, 0)
	buf = append(buf, argsJSON...)
	buf = append(buf, 0)
	buf = strconv.AppendInt(buf, int64(index), 10)
	sum := blake3.Sum256(buf)
	return callIDPrefix + hex.EncodeToString(sum[:])[:callIDHexLen]
}
