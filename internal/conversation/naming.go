// ABOUTME: Derives a display name for an unnamed session from its first prompt
// ABOUTME: Runs after the first completed run and announces the name on the project channel

package conversation

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/2389/coven-workbench/internal/protocol"
)

const maxNameRunes = 60

// DeriveName returns a short single-line title for prompt.
func DeriveName(prompt string) string {
	var line string
	for l := range strings.Lines(prompt) {
		if l = strings.TrimSpace(l); l != "" {
			line = l
			break
		}
	}
	line = strings.Join(strings.Fields(line), " ")

	if utf8.RuneCountInString(line) <= maxNameRunes {
		return line
	}

	runes := []rune(line)[:maxNameRunes]
	cut := string(runes)
	if i := strings.LastIndexByte(cut, ' '); i > maxNameRunes/2 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " .,;:") + "…"
}

func (s *Service) autoName(sessionID, projectID, prompt string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	// A concurrent rename by the user wins.
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil || sess.Name != "" {
		return
	}

	name := DeriveName(prompt)
	if name == "" {
		return
	}
	if err := s.store.UpdateSessionName(ctx, sessionID, name); err != nil {
		s.logger.Warn("auto-naming session", "session_id", sessionID, "error", err)
		return
	}

	s.logger.Debug("session auto-named", "session_id", sessionID, "name", name)
	ch := protocol.ProjectChannel(projectID)
	s.channels.Broadcast(ch, protocol.MustNew(ch, protocol.EventSessionRenamed, RenamedData{
		SessionID: sessionID,
		Name:      name,
	}))
}
