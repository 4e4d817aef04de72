package ptt

import "strings"

// Transcript accumulates recognized text for one Recording phase. Final
// fragments are appended; the interim fragment is replaced on every update
// and is only ever shown, never sent.
type Transcript struct {
	final   strings.Builder
	interim string
}

// AppendFinal appends a committed fragment, separated by a single space
func (t *Transcript) AppendFinal(fragment string) {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return
	}
	if t.final.Len() > 0 {
		t.final.WriteByte(' ')
	}
	t.final.WriteString(fragment)
}

// SetInterim replaces the provisional fragment
func (t *Transcript) SetInterim(fragment string) {
	t.interim = fragment
}

// Interim returns the provisional fragment
func (t *Transcript) Interim() string {
	return t.interim
}

// Final returns the committed text so far, untrimmed
func (t *Transcript) Final() string {
	return t.final.String()
}

// HasFinal reports whether any committed text was captured
func (t *Transcript) HasFinal() bool {
	return strings.TrimSpace(t.final.String()) != ""
}

// Empty reports whether neither committed nor provisional text exists
func (t *Transcript) Empty() bool {
	return !t.HasFinal() && strings.TrimSpace(t.interim) == ""
}

// Flush returns the trimmed committed text and clears both fields
func (t *Transcript) Flush() string {
	text := strings.TrimSpace(t.final.String())
	t.Clear()
	return text
}

// Clear drops all text
func (t *Transcript) Clear() {
	t.final.Reset()
	t.interim = ""
}
