package persona

import (
	"fmt"
	"strings"
)

// DefaultReplyLanguage is the language the persona always answers in.
const DefaultReplyLanguage = "English (US)"

// Role contract clauses that appear verbatim in every composed contract.
const (
	ConstraintFirstPerson = `Speak ONLY as the client in first-person ("I ...").`
	ConstraintNoAdvice    = "Do NOT give advice, interpretations, or therapist-style questions unless the counselor explicitly asks you to."
	ConstraintSelfCorrect = "If you accidentally switch into a counselor/AI voice, immediately switch back to the client role."
	ConstraintNoMeta      = "No meta-commentary about being an AI or a model."
	ConstraintGradual     = "Show gradual emotional change across the session; let feelings build on earlier turns instead of resetting each reply."
)

// Scenario is the counseling situation the persona plays out.
type Scenario struct {
	Text       string
	Background string
}

// Composer renders instruction text. All methods are pure.
type Composer struct {
	ReplyLanguage string
}

func NewComposer(replyLanguage string) Composer {
	return Composer{ReplyLanguage: replyLanguage}
}

func (c Composer) language() string {
	if l := strings.TrimSpace(c.ReplyLanguage); l != "" {
		return l
	}
	return DefaultReplyLanguage
}

// RoleContract is the session-wide instruction set.
func (c Composer) RoleContract(sc Scenario, v Verbosity) string {
	lang := c.language()
	var b strings.Builder
	b.WriteString("You are the CLIENT in a mental-health counseling session. The human user is the COUNSELOR.\n\n")
	b.WriteString("Role Contract (must follow at all times):\n")
	for _, line := range []string{
		ConstraintFirstPerson,
		ConstraintNoAdvice,
		v.Directive(),
		ConstraintSelfCorrect,
		ConstraintNoMeta,
	} {
		b.WriteString("- ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "\nLanguage Policy:\n- Always reply in %s. If you detect another language, briefly acknowledge in %s and continue in %s.\n\n", lang, lang, lang)
	fmt.Fprintf(&b, "Scenario: %s\nClient Background: %s\n\n", strings.TrimSpace(sc.Text), strings.TrimSpace(sc.Background))
	b.WriteString("Voice & Prosody Guidelines:\n")
	b.WriteString("- Use human pacing with natural pauses and varied pitch.\n")
	b.WriteString("- Match your emotional state to your situation:\n")
	for _, e := range []Emotion{EmotionSad, EmotionAnxious, EmotionAngry, EmotionRelieved} {
		fmt.Fprintf(&b, "  * %s: %s\n", e, e.Style())
	}
	b.WriteString("- ")
	b.WriteString(ConstraintGradual)
	return b.String()
}

// Opening asks for a non-verbal acknowledgment only, voiced in the tone
// inferred from the scenario.
func (c Composer) Opening(sc Scenario) string {
	return fmt.Sprintf(
		"You are the CLIENT. The human is the COUNSELOR. For your first turn, only greet with a noticeable sigh (e.g., *sigh* or audible exhale) in %s. Keep it one brief line. Do NOT explain why you came yet. %s",
		c.language(), InferTone(sc).Descriptor,
	)
}

// EmotionCue asks for the next reply in the given emotional style. The cue
// carries its own 1–3 sentence bound, so no verbosity directive is folded in.
func (c Composer) EmotionCue(e Emotion) string {
	return fmt.Sprintf(
		"You are the CLIENT (not the counselor). Reply in %s with this emotional tone: %s. Keep it brief (1–3 sentences), first-person, no advice or therapist-style questions unless asked.",
		c.language(), e.Style(),
	)
}

// Reminder restates the client role without changing anything else.
func (c Composer) Reminder(v Verbosity) string {
	return fmt.Sprintf(
		"Reminder: Stay in the CLIENT role in first-person. Do NOT act as the counselor. Reply in %s. %s",
		c.language(), v.Directive(),
	)
}
