package persona

import "strings"

// Emotion is a named delivery style the client persona can be steered into.
type Emotion int

const (
	EmotionNeutral Emotion = iota
	EmotionSad
	EmotionAnxious
	EmotionRelieved
	EmotionAngry
	EmotionFrustrated
	EmotionHopeful
	EmotionConfused
)

type emotionPreset struct {
	name  string
	style string
}

var emotionPresets = [...]emotionPreset{
	EmotionNeutral:    {"neutral", "even pace, clear and calm; natural conversational flow"},
	EmotionSad:        {"sad", "soft, slower pace, slight shakiness; include brief pauses and occasional sighs"},
	EmotionAnxious:    {"anxious", "faster pace, tighter phrasing; audible tension and shallow breaths"},
	EmotionRelieved:   {"relieved", "warmer tone, lighter pace; small exhale at start, more relaxed"},
	EmotionAngry:      {"angry", "tense, firmer volume; measured, controlled tone (not yelling)"},
	EmotionFrustrated: {"frustrated", "slightly faster pace with controlled tension; clipped sentences"},
	EmotionHopeful:    {"hopeful", "brighter tone, more animated; slight uptick in energy"},
	EmotionConfused:   {"confused", "slower, more hesitant; questioning tone with pauses"},
}

// LookupEmotion resolves a preset by name. Unknown names resolve to neutral.
func LookupEmotion(name string) Emotion {
	e, _ := ParseEmotion(name)
	return e
}

// ParseEmotion is LookupEmotion that also reports whether name was known.
func ParseEmotion(name string) (Emotion, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	for i, p := range emotionPresets {
		if p.name == key {
			return Emotion(i), true
		}
	}
	return EmotionNeutral, false
}

// Emotions lists every preset in catalog order.
func Emotions() []Emotion {
	out := make([]Emotion, len(emotionPresets))
	for i := range emotionPresets {
		out[i] = Emotion(i)
	}
	return out
}

func (e Emotion) valid() bool { return e >= 0 && int(e) < len(emotionPresets) }

func (e Emotion) String() string {
	if !e.valid() {
		return emotionPresets[EmotionNeutral].name
	}
	return emotionPresets[e].name
}

// Style is the prosody directive for the preset.
func (e Emotion) Style() string {
	if !e.valid() {
		return emotionPresets[EmotionNeutral].style
	}
	return emotionPresets[e].style
}

// Verbosity bounds how long persona replies may run.
type Verbosity int

const (
	VerbosityTerse Verbosity = iota
	VerbosityBalanced
	VerbosityExpansive
)

type verbosityPreset struct {
	name      string
	directive string
}

var verbosityPresets = [...]verbosityPreset{
	VerbosityTerse:     {"terse", "Keep responses short and conversational (1–3 sentences) unless asked to elaborate."},
	VerbosityBalanced:  {"balanced", "Keep responses conversational (2–4 sentences); add a concrete detail when it feels natural."},
	VerbosityExpansive: {"expansive", "You may answer in a short paragraph (up to 6 sentences) when the counselor invites you to share more."},
}

// LookupVerbosity resolves a preset by name. Unknown names resolve to terse.
func LookupVerbosity(name string) Verbosity {
	v, _ := ParseVerbosity(name)
	return v
}

func ParseVerbosity(name string) (Verbosity, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	for i, p := range verbosityPresets {
		if p.name == key {
			return Verbosity(i), true
		}
	}
	return VerbosityTerse, false
}

func (v Verbosity) valid() bool { return v >= 0 && int(v) < len(verbosityPresets) }

func (v Verbosity) String() string {
	if !v.valid() {
		return verbosityPresets[VerbosityTerse].name
	}
	return verbosityPresets[v].name
}

// Directive is the length instruction folded into composed directives.
func (v Verbosity) Directive() string {
	if !v.valid() {
		return verbosityPresets[VerbosityTerse].directive
	}
	return verbosityPresets[v].directive
}
