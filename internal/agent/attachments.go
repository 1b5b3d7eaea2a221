package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/nugget/mimir/internal/llm"
)

// filePattern matches an attachment reference in a user message.
var filePattern = regexp.MustCompile(`\[FILE: (.*?)\]`)

// maxAttachmentBytes bounds a single attached file.
const maxAttachmentBytes = 8 << 20

var imageTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
	".webp": "image/webp",
}

var textTypes = map[string]bool{
	".txt": true, ".csv": true, ".py": true, ".js": true, ".html": true,
	".css": true, ".json": true, ".md": true, ".go": true, ".yaml": true,
}

// attachments is what the [FILE: path] references in a message resolved
// to.
type attachments struct {
	text   string     // message with the references removed
	images []llm.Part // inline image parts
	files  []string   // rendered text file contents
}

// resolveAttachments removes every [FILE: path] reference from msg and
// loads the files it names. Only files inside one of roots are read;
// with no roots configured every reference is dropped unread. Files that
// cannot be read, or whose type is not supported, are skipped.
func (l *Loop) resolveAttachments(msg string) attachments {
	var a attachments
	a.text = filePattern.ReplaceAllStringFunc(msg, func(ref string) string {
		path := strings.TrimSpace(filePattern.FindStringSubmatch(ref)[1])
		if err := l.attach(&a, path); err != nil {
			l.logger.Warn("attachment skipped", "path", path, "error", err)
		}
		return ""
	})
	a.text = strings.TrimSpace(a.text)
	return a
}

func (l *Loop) attach(a *attachments, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if !l.allowed(abs) {
		return fmt.Errorf("outside the attachment directories")
	}
	info, err := os.Stat(abs)
	if err != nil {
		return err
	}
	if info.Size() > maxAttachmentBytes {
		return fmt.Errorf("file is %d bytes, limit %d", info.Size(), maxAttachmentBytes)
	}

	ext := strings.ToLower(filepath.Ext(abs))
	if mime, ok := imageTypes[ext]; ok {
		data, err := os.ReadFile(abs)
		if err != nil {
			return err
		}
		a.images = append(a.images, llm.Part{Kind: llm.PartInline, MIMEType: mime, Data: data})
		l.logger.Debug("image attached", "path", abs, "bytes", len(data))
		return nil
	}
	if textTypes[ext] {
		data, err := os.ReadFile(abs)
		if err != nil {
			return err
		}
		a.files = append(a.files, fmt.Sprintf("--- File Content: %s ---\n%s\n-----------------------------------",
			filepath.Base(abs), data))
		l.logger.Debug("file attached", "path", abs, "bytes", len(data))
		return nil
	}
	return fmt.Errorf("unsupported file type %q", ext)
}

func (l *Loop) allowed(abs string) bool {
	for _, root := range l.attachRoots {
		rel, err := filepath.Rel(root, abs)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
