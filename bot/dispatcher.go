// Package bot turns chat messages into command replies.
//
// Every command other than !agree is gated on the sender being verified. The
// Dispatcher never lets a collaborator failure escape: the roster lookup fails
// closed, the safety check degrades to an "unavailable" verdict and speech
// synthesis degrades to an "unavailable" reply.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/onnwee/chatgate/chat"
	"github.com/onnwee/chatgate/safety"
	"github.com/onnwee/chatgate/telemetry"
	"github.com/onnwee/chatgate/tts"
)

// Responder sends replies back into chat.
type Responder interface {
	Say(ctx context.Context, channel, text string) error
	Joined(channel string) bool
}

// Verifier is the verification gate (verify.Store).
type Verifier interface {
	Check(ctx context.Context, login string) bool
	MarkVerified(ctx context.Context, login string) (bool, error)
}

// Classifier returns a human readable safety verdict for a URL.
type Classifier interface {
	Classify(ctx context.Context, url string) string
}

// Synthesizer produces an audio artifact for text. ok is false when synthesis
// is disabled or failed.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (*tts.Artifact, bool)
}

// Reply templates.
const (
	msgVerified        = "@%s, you are now verified to use the chatbot!"
	msgAlreadyVerified = "@%s, you are already verified."
	msgMustAgree       = "@%s, you must type !agree after reading and agreeing to the rules."
	msgApplied         = "@%s, your application has been received!"
	msgUnknown         = "@%s, unknown command: %s"
	msgVerdict         = "@%s, %s"
	msgAudioReady      = "@%s, audio ready: %s"
	msgTTSUnavailable  = "@%s, text-to-speech is unavailable right now."
)

type Options struct {
	BotName string
	// AudioBaseURL prefixes artifact names in !tts replies, e.g.
	// "https://bot.example.com/tts". Empty means the artifact name alone.
	AudioBaseURL string
}

// Dispatcher implements chat.Handler.
type Dispatcher struct {
	out      Responder
	verifier Verifier
	safety   Classifier
	speech   Synthesizer
	opts     Options
}

// New wires a Dispatcher. safety and speech may be nil; the matching commands
// then reply with their unavailable message.
func New(out Responder, v Verifier, c Classifier, s Synthesizer, opts Options) *Dispatcher {
	opts.BotName = strings.ToLower(opts.BotName)
	opts.AudioBaseURL = strings.TrimRight(opts.AudioBaseURL, "/")
	return &Dispatcher{out: out, verifier: v, safety: c, speech: s, opts: opts}
}

var _ chat.Handler = (*Dispatcher)(nil)

// Handle processes one inbound message. It never panics on collaborator
// failure and sends at most one reply.
func (d *Dispatcher) Handle(ctx context.Context, msg chat.Message) {
	if msg.Self || (d.opts.BotName != "" && strings.EqualFold(msg.User, d.opts.BotName)) {
		return
	}
	cmd, ok := Parse(msg.Text)
	if !ok {
		return
	}
	user := strings.ToLower(msg.User)

	ctx, span := telemetry.StartSpan(ctx, "chatgate-bot", "bot.handle",
		telemetry.ChannelAttr(msg.Channel), telemetry.CommandAttr(cmd.Key))
	defer span.End()
	log := telemetry.LoggerWithCorr(ctx).With(
		slog.String("channel", msg.Channel),
		slog.String("user", user),
		slog.String("command", cmd.Key),
		slog.String("component", "bot"))

	reply := d.route(ctx, log, user, cmd)
	if reply == "" {
		telemetry.SetSpanSuccess(span)
		return
	}
	if !d.out.Joined(msg.Channel) {
		telemetry.Inc(telemetry.RepliesDropped)
		log.Info("reply dropped; channel departed")
		telemetry.SetSpanSuccess(span)
		return
	}
	if err := d.out.Say(ctx, msg.Channel, reply); err != nil {
		telemetry.RecordError(span, err)
		return
	}
	telemetry.SetSpanSuccess(span)
}

// route returns the reply for cmd, or "" for a silent no-op.
func (d *Dispatcher) route(ctx context.Context, log *slog.Logger, user string, cmd Command) string {
	if cmd.Key == CmdAgree {
		telemetry.CountCommand(cmd.Key)
		return d.agree(ctx, log, user)
	}
	if !d.verifier.Check(ctx, user) {
		telemetry.Inc(telemetry.GateRejections)
		log.Debug("command gated; user not verified")
		return fmt.Sprintf(msgMustAgree, user)
	}

	switch cmd.Key {
	case CmdSafe:
		url := cmd.Arg(0)
		if url == "" {
			return ""
		}
		telemetry.CountCommand(cmd.Key)
		return fmt.Sprintf(msgVerdict, user, d.classify(ctx, url))
	case CmdApply:
		telemetry.CountCommand(cmd.Key)
		return fmt.Sprintf(msgApplied, user)
	case CmdTTS:
		text := cmd.Rest()
		if text == "" {
			return ""
		}
		telemetry.CountCommand(cmd.Key)
		return d.speak(ctx, log, user, text)
	default:
		telemetry.CountCommand("unknown")
		return fmt.Sprintf(msgUnknown, user, cmd.Key)
	}
}

func (d *Dispatcher) agree(ctx context.Context, log *slog.Logger, user string) string {
	changed, err := d.verifier.MarkVerified(ctx, user)
	if err != nil {
		// the in-memory promotion stands; only the durable copy is behind
		log.Warn("persist verification failed", slog.Any("err", err))
	}
	if !changed && err == nil {
		return fmt.Sprintf(msgAlreadyVerified, user)
	}
	return fmt.Sprintf(msgVerified, user)
}

func (d *Dispatcher) classify(ctx context.Context, url string) string {
	if d.safety == nil {
		return safety.VerdictUnavailable
	}
	return d.safety.Classify(ctx, url)
}

func (d *Dispatcher) speak(ctx context.Context, log *slog.Logger, user, text string) string {
	if d.speech == nil {
		return fmt.Sprintf(msgTTSUnavailable, user)
	}
	art, ok := d.speech.Synthesize(ctx, text)
	if !ok || art == nil {
		return fmt.Sprintf(msgTTSUnavailable, user)
	}
	log.Info("audio synthesized", slog.String("artifact", art.Name))
	return fmt.Sprintf(msgAudioReady, user, d.audioURL(art.Name))
}

func (d *Dispatcher) audioURL(name string) string {
	if d.opts.AudioBaseURL == "" {
		return name
	}
	return d.opts.AudioBaseURL + "/" + name
}
