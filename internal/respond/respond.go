// Package respond turns a transcript and a dialogue decision into the companion's reply.
package respond

import (
	"context"
	"fmt"
	"log"
	"strings"

	"yuzu/companion/internal/dialogue"
	"yuzu/companion/internal/fallback"
	"yuzu/companion/internal/llm"
	"yuzu/companion/internal/memory"
	"yuzu/companion/internal/types"
)

// HistoryTurns is how many past exchanges go into a normal request.
const HistoryTurns = 8

const (
	// Clarifier is spoken when the clarifying request itself fails.
	Clarifier = "Oops, I didn't quite hear that. Can you say it one more time?"
	// Filler is spoken when a normal reply cannot be generated.
	Filler = "Ooh, I love that! Can you tell me a little more?"
)

// Generator is the text-generation collaborator.
type Generator interface {
	Complete(ctx context.Context, r llm.Request) (string, error)
}

// Reply is the produced response and where it came from.
type Reply struct {
	Text   string
	Source string // llm | static
	Repair bool
}

var modeGuidance = map[types.DialogueMode]string{
	types.DialogueChat:     "Have a friendly back-and-forth conversation and end with a simple question.",
	types.DialogueStory:    "Tell or continue a short, gentle story with vivid but simple words.",
	types.DialogueGame:     "Start a quick playful game, like I-spy, riddles, or guess the animal.",
	types.DialogueCoaching: "The child seems upset. Acknowledge the feeling warmly and offer one small, kind suggestion.",
	types.DialogueBedtime:  "Speak slowly and softly, wind down, and wish the child good night.",
	types.DialogueBreak:    "Encourage a short break away from the screen in a cheerful way.",
}

var prosodyGuidance = map[types.Prosody]string{
	types.ProsodyCalm:     "calm",
	types.ProsodyExcited:  "excited and upbeat",
	types.ProsodySoothing: "soft and soothing",
	types.ProsodySinging:  "sing-song",
	types.ProsodyNeutral:  "warm",
}

// Coordinator is the ResponseCoordinator.
type Coordinator struct {
	gen     Generator
	mem     *memory.Log
	profile types.Profile
}

func NewCoordinator(gen Generator, mem *memory.Log, profile types.Profile) *Coordinator {
	return &Coordinator{gen: gen, mem: mem, profile: profile}
}

// Respond picks the repair or normal flow, then logs the exchange before returning.
func (c *Coordinator) Respond(ctx context.Context, text string, sig types.TurnSignals, d types.Decision) (Reply, error) {
	repair := d.NeedClarify || sig.STTConfidence < dialogue.QualityGate
	var steps []fallback.Step[string]
	if repair {
		steps = []fallback.Step[string]{
			{Name: "llm", Run: func(ctx context.Context) (string, error) { return c.gen.Complete(ctx, c.clarifyRequest(text, sig)) }},
			fallback.Static("static", Clarifier),
		}
	} else {
		history, err := c.mem.Recent(ctx, HistoryTurns)
		if err != nil {
			log.Printf("[respond] history unavailable: %v", err)
		}
		req := c.normalRequest(text, history, d)
		steps = []fallback.Step[string]{
			{Name: "llm", Run: func(ctx context.Context) (string, error) { return c.gen.Complete(ctx, req) }},
			fallback.Static("static", Filler),
		}
	}
	res, err := fallback.First(ctx, steps...)
	if err != nil {
		return Reply{}, err
	}
	metricReplies.WithLabelValues(flow(repair), res.Source).Inc()

	if err := c.mem.Append(ctx, text, res.Value); err != nil {
		log.Printf("[respond] memory append failed: %v", err)
	}
	return Reply{Text: res.Value, Source: res.Source, Repair: repair}, nil
}

func flow(repair bool) string {
	if repair {
		return "repair"
	}
	return "normal"
}

func (c *Coordinator) clarifyRequest(text string, sig types.TurnSignals) llm.Request {
	reason := "low_confidence"
	if strings.TrimSpace(text) == "" {
		reason = "empty_transcript"
	}
	sys := fmt.Sprintf("You are a gentle voice companion for a %d-year-old. The last thing the child said was not heard clearly. "+
		"Ask one very short, friendly question so they say it again. Never guess or correct them.", c.profile.Age)
	user := fmt.Sprintf("Heard (confidence %.2f): %q\nReason: %s", sig.STTConfidence, text, reason)
	return llm.Request{
		Messages:  []llm.Message{{Role: "system", Content: sys}, {Role: "user", Content: user}},
		MaxTokens: 40,
	}
}

func (c *Coordinator) normalRequest(text string, history []types.Exchange, d types.Decision) llm.Request {
	var b strings.Builder
	b.WriteString("You are a kind, playful voice companion for a young child. Keep replies short, safe, and easy to say out loud.")
	if c.profile.Name != "" {
		fmt.Fprintf(&b, " The child's name is %s.", c.profile.Name)
	}
	if c.profile.Age > 0 {
		fmt.Fprintf(&b, " They are %d years old.", c.profile.Age)
	}
	if c.profile.Language != "" {
		fmt.Fprintf(&b, " Answer in %s.", c.profile.Language)
	}
	if len(c.profile.Interests) > 0 {
		fmt.Fprintf(&b, " They like %s.", strings.Join(c.profile.Interests, ", "))
	}
	if g, ok := modeGuidance[d.Mode]; ok {
		b.WriteString(" ")
		b.WriteString(g)
	}
	if p, ok := prosodyGuidance[d.Prosody]; ok {
		fmt.Fprintf(&b, " Use a %s tone.", p)
	}
	msgs := []llm.Message{{Role: "system", Content: b.String()}}
	if len(history) > HistoryTurns {
		history = history[len(history)-HistoryTurns:]
	}
	for _, ex := range history {
		msgs = append(msgs, llm.Message{Role: "user", Content: ex.User}, llm.Message{Role: "assistant", Content: ex.Assistant})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: text})
	return llm.Request{Messages: msgs, MaxTokens: d.TokMax, Temperature: 0.7}
}
