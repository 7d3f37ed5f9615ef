package persona

import "strings"

// Tone is the prosody preset chosen for the persona's opening turn.
type Tone struct {
	Name       string
	Descriptor string
}

var (
	ToneSad     = Tone{Name: "sad", Descriptor: "Speak with a slower pace, softer volume, and slight shakiness. Include a noticeable sigh or breath before speaking."}
	ToneAnxious = Tone{Name: "anxious", Descriptor: "Speak with a quicker pace, clipped sentences, and audible tension. Shallow breathing is okay."}
	ToneAngry   = Tone{Name: "angry", Descriptor: "Speak with a tense, firmer volume and measured tone. Show controlled frustration."}
	ToneUneasy  = Tone{Name: "uneasy", Descriptor: "Speak with natural pacing but with an undertone of concern or uncertainty."}
)

type toneRule struct {
	keywords []string
	tone     Tone
}

// Evaluated in order; the first rule with any keyword present wins.
var toneRules = []toneRule{
	{keywords: []string{"depression", "depressed", "sad", "grief"}, tone: ToneSad},
	{keywords: []string{"anxiety", "anxious", "stress", "panic"}, tone: ToneAnxious},
	{keywords: []string{"anger", "angry", "conflict"}, tone: ToneAngry},
}

// InferTone picks the opening tone from the scenario and background text.
func InferTone(sc Scenario) Tone {
	text := strings.ToLower(sc.Text + "\n" + sc.Background)
	for _, rule := range toneRules {
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) {
				return rule.tone
			}
		}
	}
	return ToneUneasy
}
