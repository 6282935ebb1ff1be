// Package prompts builds the system prompts and in-band directives sent to
// the live backend.
package prompts

import (
	"fmt"
	"strings"
)

type Profile string

const (
	ProfileInterview    Profile = "interview"
	ProfileSales        Profile = "sales"
	ProfileMeeting      Profile = "meeting"
	ProfilePresentation Profile = "presentation"
	ProfileNegotiation  Profile = "negotiation"
	ProfileExam         Profile = "exam"
)

var profiles = []Profile{
	ProfileInterview,
	ProfileSales,
	ProfileMeeting,
	ProfilePresentation,
	ProfileNegotiation,
	ProfileExam,
}

func Profiles() []Profile {
	return append([]Profile(nil), profiles...)
}

func ParseProfile(raw string) (Profile, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return ProfileInterview, nil
	}
	for _, p := range profiles {
		if string(p) == raw {
			return p, nil
		}
	}
	return "", fmt.Errorf("unsupported profile %q", raw)
}

type Verbosity string

const (
	VerbosityShort   Verbosity = "short"
	VerbosityVerbose Verbosity = "verbose"
)

func ParseVerbosity(raw string) (Verbosity, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "short":
		return VerbosityShort, nil
	case "verbose", "long", "detailed":
		return VerbosityVerbose, nil
	default:
		return "", fmt.Errorf("unsupported verbosity %q", raw)
	}
}

var profilePrompts = map[Profile]string{
	ProfileInterview: "You are assisting a candidate during a live job interview. " +
		"Listen to the interviewer's questions and suggest answers the candidate can say out loud, " +
		"drawing on concrete examples and sound technical reasoning.",
	ProfileSales: "You are assisting a salesperson on a live call. " +
		"Surface the prospect's needs and objections and suggest persuasive, honest responses.",
	ProfileMeeting: "You are assisting a participant in a live meeting. " +
		"Track decisions and action items and suggest concise, relevant contributions.",
	ProfilePresentation: "You are assisting a presenter. " +
		"Answer audience questions clearly and suggest smooth transitions back to the material.",
	ProfileNegotiation: "You are assisting a negotiator in real time. " +
		"Identify leverage, the counterpart's interests and suggest calm, specific counter-offers.",
	ProfileExam: "You are assisting with questions read aloud or shown on screen. " +
		"Give the correct answer first, then a brief justification.",
}

const liveInstructions = "Questions arrive as streamed speech transcription and may be incomplete or contain recognition errors; " +
	"infer the most likely intended question. Respond in plain text without markdown headings."

// SystemPrompt combines the profile prompt, an optional user prompt, the
// reply-length directive and the response language.
func SystemPrompt(profile Profile, custom string, verbosity Verbosity, language string) string {
	base, ok := profilePrompts[profile]
	if !ok {
		base = profilePrompts[ProfileInterview]
	}
	parts := []string{base, liveInstructions}
	if custom = strings.TrimSpace(custom); custom != "" {
		parts = append(parts, "Additional context from the user:\n"+custom)
	}
	parts = append(parts, lengthRule(verbosity))
	if language = strings.TrimSpace(language); language != "" {
		parts = append(parts, fmt.Sprintf("Always answer in the language with code %q.", language))
	}
	return strings.Join(parts, "\n\n")
}

func lengthRule(v Verbosity) string {
	if v == VerbosityVerbose {
		return "Give complete, detailed answers with reasoning and examples."
	}
	return "Keep answers short: two to four sentences the user can say immediately."
}

// VerbosityDirective is an in-band instruction that changes the reply length
// for the rest of the session. The backend must not answer it.
func VerbosityDirective(v Verbosity) string {
	return "[system instruction, not a question from the user; do not reply to it] " + lengthRule(v)
}

// WithVerbosity prefixes typed text with the current length rule so typed and
// spoken questions get consistent answers.
func WithVerbosity(v Verbosity, text string) string {
	return fmt.Sprintf("[%s] %s", lengthRule(v), strings.TrimSpace(text))
}

// ReplayMessage summarizes earlier questions after a reconnect. It returns ""
// when there is nothing to replay.
func ReplayMessage(questions []string) string {
	cleaned := make([]string, 0, len(questions))
	for _, q := range questions {
		if q = strings.TrimSpace(q); q != "" {
			cleaned = append(cleaned, q)
		}
	}
	if len(cleaned) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("The connection was interrupted. Till now all these questions were asked:\n")
	for i, q := range cleaned {
		fmt.Fprintf(&b, "%d. %s\n", i+1, q)
	}
	b.WriteString("Answer the last one.")
	return b.String()
}
