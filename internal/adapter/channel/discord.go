//go:build discord

package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"konvo/internal/domain"
)

const customIDPrefix = "konvo"

// discordAPI is the part of *discordgo.Session the UI uses.
type discordAPI interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
}

// Discord vets calls in a Discord channel: every gated call is posted with
// Allow and Deny buttons, and the batch resolves once each call has been
// answered.
type Discord struct {
	token     string
	channelID string
	logger    *slog.Logger

	session *discordgo.Session
	api     discordAPI

	mu      sync.Mutex
	batches map[string]*domain.VettingBatch
}

// NewDiscord creates a Discord UI posting to channelID.
func NewDiscord(token, channelID string, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		token:     token,
		channelID: channelID,
		logger:    logger.With("component", "discord"),
		batches:   make(map[string]*domain.VettingBatch),
	}
}

var _ domain.ConversationUI = (*Discord)(nil)

// Start connects the bot.
func (d *Discord) Start(_ context.Context) error {
	dg, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages
	dg.AddHandler(d.onInteraction)
	if err := dg.Open(); err != nil {
		return fmt.Errorf("discord: open: %w", err)
	}
	d.session = dg
	d.api = dg
	d.logger.Info("discord vetting started", "channel_id", d.channelID)
	return nil
}

// Close disconnects the bot and cancels every open batch.
func (d *Discord) Close() error {
	d.mu.Lock()
	open := d.batches
	d.batches = make(map[string]*domain.VettingBatch)
	d.mu.Unlock()
	for _, b := range open {
		b.Cancel(fmt.Errorf("discord: closed"))
	}
	if d.session != nil {
		return d.session.Close()
	}
	return nil
}

// RequestVetting posts the batch and returns. The batch is cancelled if
// ctx ends first or a message cannot be posted.
func (d *Discord) RequestVetting(ctx context.Context, batch *domain.VettingBatch) {
	d.mu.Lock()
	d.batches[batch.ID] = batch
	d.mu.Unlock()

	for _, req := range batch.Calls {
		if _, err := d.api.ChannelMessageSendComplex(d.channelID, vettingMessage(batch.ID, req)); err != nil {
			d.logger.Warn("post vetting request failed", "batch_id", batch.ID, "error", err)
			batch.Cancel(fmt.Errorf("discord: %w", err))
			break
		}
	}

	go func() {
		select {
		case <-batch.Done():
		case <-ctx.Done():
			batch.Cancel(ctx.Err())
		}
		d.mu.Lock()
		delete(d.batches, batch.ID)
		d.mu.Unlock()
	}()
}

func vettingMessage(batchID string, req domain.VettingRequest) *discordgo.MessageSend {
	name := domain.QualifiedToolName(req.Provider, req.Tool.Name)
	args := preview(string(domain.ArgumentsJSON(req.Call.Arguments)))
	return &discordgo.MessageSend{
		Content: fmt.Sprintf("Tool call **%s** needs approval:\n```json\n%s\n```", name, args),
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.Button{Label: "Allow", Style: discordgo.SuccessButton, CustomID: customID("allow", batchID, req.Call.ID)},
				discordgo.Button{Label: "Deny", Style: discordgo.DangerButton, CustomID: customID("deny", batchID, req.Call.ID)},
			}},
		},
	}
}

func customID(action, batchID, callID string) string {
	return strings.Join([]string{customIDPrefix, action, batchID, callID}, ":")
}

func parseCustomID(id string) (allow bool, batchID, callID string, ok bool) {
	parts := strings.SplitN(id, ":", 4)
	if len(parts) != 4 || parts[0] != customIDPrefix {
		return false, "", "", false
	}
	switch parts[1] {
	case "allow":
		allow = true
	case "deny":
	default:
		return false, "", "", false
	}
	return allow, parts[2], parts[3], true
}

func (d *Discord) onInteraction(_ *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent {
		return
	}
	allow, batchID, callID, ok := parseCustomID(i.MessageComponentData().CustomID)
	if !ok {
		return
	}

	d.mu.Lock()
	batch := d.batches[batchID]
	d.mu.Unlock()

	verdict := "denied"
	if allow {
		verdict = "allowed"
	}
	content := fmt.Sprintf("Call `%s` %s by %s.", callID, verdict, interactionUser(i))
	if batch == nil {
		content = "This request is no longer pending."
	} else if err := batch.Decide(callID, allow); err != nil {
		d.logger.Debug("vetting decision dropped", "batch_id", batchID, "error", err)
		content = "This request is no longer pending."
	}

	err := d.api.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseUpdateMessage,
		Data: &discordgo.InteractionResponseData{
			Content:    content,
			Components: []discordgo.MessageComponent{},
		},
	})
	if err != nil {
		d.logger.Warn("interaction response failed", "error", err)
	}
}

func interactionUser(i *discordgo.InteractionCreate) string {
	switch {
	case i.Member != nil && i.Member.User != nil:
		return i.Member.User.Username
	case i.User != nil:
		return i.User.Username
	default:
		return "unknown user"
	}
}

// NotifyToolResult posts the outcome of a call.
func (d *Discord) NotifyToolResult(_ context.Context, call domain.ToolCall, result domain.ToolCallResult) {
	if d.api == nil {
		return
	}
	msg := fmt.Sprintf("`%s` %s: %s", call.ToolName, result.Kind(), preview(domain.RenderResult(result)))
	if _, err := d.api.ChannelMessageSend(d.channelID, msg); err != nil {
		d.logger.Warn("post tool result failed", "call_id", call.ID, "error", err)
	}
}
