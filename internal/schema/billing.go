package schema

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// BillingTimeLayout is the timestamp format used in billing entry headers.
const BillingTimeLayout = "2006-01-02 15:04"

var billingHeader = regexp.MustCompile(`^--- \[(\d{4}-\d{2}-\d{2} \d{2}:\d{2})\] (.*?) \| #(\d+) (.*) ---$`)

// BillingEntry is one attributed block of the pending-charges note.
type BillingEntry struct {
	At        time.Time
	User      string
	DisplayID int
	PetName   string
	Text      string
}

// Header returns the entry's header line without a trailing newline.
func (e BillingEntry) Header() string {
	return fmt.Sprintf("--- [%s] %s | #%d %s ---", e.At.Format(BillingTimeLayout), e.User, e.DisplayID, e.PetName)
}

// String renders the entry as it is stored: header, text, trailing newline.
func (e BillingEntry) String() string {
	return e.Header() + "\n" + strings.TrimRight(e.Text, "\n") + "\n"
}

func (e BillingEntry) key() string {
	return e.Header() + "\n" + strings.TrimRight(e.Text, "\n")
}

// NewBillingEntry builds an entry for r written by user at now.
func NewBillingEntry(r *Record, user, text string, now time.Time) BillingEntry {
	return BillingEntry{
		At:        now.Truncate(time.Minute),
		User:      user,
		DisplayID: r.DisplayID,
		PetName:   r.Name(),
		Text:      strings.TrimSpace(text),
	}
}

// AppendBillingNote adds e after the existing note. Existing text is never
// rewritten.
func AppendBillingNote(note string, e BillingEntry) string {
	if note != "" && !strings.HasSuffix(note, "\n") {
		note += "\n"
	}
	return note + e.String()
}

// ParseBillingEntries splits a note into its entries. Text before the first
// header (notes written before headers existed) is returned as preamble.
func ParseBillingEntries(note string) (entries []BillingEntry, preamble string) {
	var (
		pre     []string
		current *BillingEntry
		body    []string
	)
	flush := func() {
		if current == nil {
			return
		}
		current.Text = strings.TrimRight(strings.Join(body, "\n"), "\n")
		entries = append(entries, *current)
		current, body = nil, nil
	}

	for _, line := range strings.Split(note, "\n") {
		if m := billingHeader.FindStringSubmatch(line); m != nil {
			at, err := time.ParseInLocation(BillingTimeLayout, m[1], time.Local)
			id, idErr := strconv.Atoi(m[3])
			if err == nil && idErr == nil {
				flush()
				current = &BillingEntry{At: at, User: m[2], DisplayID: id, PetName: m[4]}
				continue
			}
		}
		if current == nil {
			pre = append(pre, line)
		} else {
			body = append(body, line)
		}
	}
	flush()

	preamble = strings.Trim(strings.Join(pre, "\n"), "\n")
	return entries, preamble
}

// FormatBillingNote renders a preamble and entries in stored form.
func FormatBillingNote(preamble string, entries []BillingEntry) string {
	var b strings.Builder
	if preamble != "" {
		b.WriteString(preamble)
		b.WriteString("\n")
	}
	for _, e := range entries {
		b.WriteString(e.String())
	}
	return b.String()
}

// MergeBillingNotes returns the union of the entries in a and b. Every
// distinct entry appears exactly once and entries are ordered by their
// header time; entries with equal times keep the order they had in a, then b.
// Legacy preambles are kept; if neither contains the other, both are kept.
func MergeBillingNotes(a, b string) string {
	if a == b {
		return a
	}
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}

	ea, pa := ParseBillingEntries(a)
	eb, pb := ParseBillingEntries(b)

	seen := make(map[string]bool, len(ea)+len(eb))
	merged := make([]BillingEntry, 0, len(ea)+len(eb))
	for _, list := range [][]BillingEntry{ea, eb} {
		for _, e := range list {
			k := e.key()
			if seen[k] {
				continue
			}
			seen[k] = true
			merged = append(merged, e)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].At.Before(merged[j].At)
	})

	return FormatBillingNote(mergePreamble(pa, pb), merged)
}

func mergePreamble(a, b string) string {
	switch {
	case a == b, b == "", strings.Contains(a, b):
		return a
	case a == "", strings.Contains(b, a):
		return b
	default:
		return a + "\n" + b
	}
}

// ContainsBillingEntry reports whether note already holds e.
func ContainsBillingEntry(note string, e BillingEntry) bool {
	entries, _ := ParseBillingEntries(note)
	k := e.key()
	for _, x := range entries {
		if x.key() == k {
			return true
		}
	}
	return false
}

// CheckBillingIntegrity returns the entries of r's note whose header names a
// different display number or pet than r itself. Such entries usually come
// from a note copied between records.
func CheckBillingIntegrity(r *Record) []BillingEntry {
	entries, _ := ParseBillingEntries(r.BillingNote)
	var foreign []BillingEntry
	for _, e := range entries {
		if e.DisplayID != r.DisplayID || e.PetName != r.Name() {
			foreign = append(foreign, e)
		}
	}
	return foreign
}
