package message

import (
	"os"
	"sort"
	"strings"
)

// maildirFlagLetters maps each Flag bit to its single-letter maildir info
// code. The letters must stay in ASCII order when encoded, per the maildir
// spec's "flags MUST be stored in ASCII order" rule.
var maildirFlagLetters = []struct {
	bit    int
	letter byte
}{
	{FlagDraft, 'D'},
	{FlagFlagged, 'F'},
	{FlagAnswered, 'R'},
	{FlagSeen, 'S'},
	{FlagDeleted, 'T'},
}

// ComputeMaildirInfo renders a maildir ":2,<flags>" info suffix for the
// given flag bitmask.
func ComputeMaildirInfo(flags int) string {
	var letters []byte
	for _, m := range maildirFlagLetters {
		if flags&m.bit != 0 {
			letters = append(letters, m.letter)
		}
	}
	sort.Slice(letters, func(i, j int) bool { return letters[i] < letters[j] })
	return ":2," + string(letters)
}

// parseMaildirInfo parses a maildir filename's trailing ":2,<flags>" suffix
// into a flag bitmask. Returns 0 if the filename carries no ":2," suffix;
// the older ":1," form is not recognized.
func parseMaildirInfo(filename string) int {
	idx := strings.LastIndex(filename, ":2,")
	if idx < 0 {
		return 0
	}
	suffix := filename[idx+3:]
	flags := 0
	for i := 0; i < len(suffix); i++ {
		for _, m := range maildirFlagLetters {
			if suffix[i] == m.letter {
				flags |= m.bit
			}
		}
	}
	return flags
}

// FromMaildirFile reads and parses a message stored as a maildir file,
// inferring Flags from the filename's info suffix only. The containing
// subdirectory (new/ or cur/) is not consulted, so a file with no info
// suffix has no flags set wherever it lies.
func FromMaildirFile(path string) (*Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := FromBytes(data)
	if err != nil {
		return nil, err
	}
	m.Flags = parseMaildirInfo(path)
	return m, nil
}
