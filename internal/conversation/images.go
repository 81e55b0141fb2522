// ABOUTME: Writes inline image attachments into the session scratch directory
// ABOUTME: The agent CLI gets file paths appended to the prompt

package conversation

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/coven-workbench/internal/protocol"
)

var imageExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// attachImages saves images and returns the prompt with their paths appended.
func (s *Service) attachImages(sessionID, content string, images []Image) (string, error) {
	if len(images) == 0 {
		return content, nil
	}

	dir, err := s.table.EnsureTempDir(sessionID)
	if err != nil {
		return "", fmt.Errorf("preparing image dir: %w", err)
	}

	var b strings.Builder
	b.WriteString(content)
	for i, img := range images {
		ext, ok := imageExtensions[strings.ToLower(img.MediaType)]
		if !ok {
			return "", protocol.Errorf(protocol.CodeInvalidRequest, "image %d: unsupported media type %q", i, img.MediaType)
		}
		data, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			return "", protocol.Errorf(protocol.CodeInvalidRequest, "image %d: invalid base64", i)
		}

		path := filepath.Join(dir, "image-"+uuid.New().String()[:8]+ext)
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return "", fmt.Errorf("writing image: %w", err)
		}

		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[Attached image: %s]", path)
	}
	return b.String(), nil
}
