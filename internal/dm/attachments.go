package dm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/nevindra/relay/internal/agent"
	"github.com/nevindra/relay/internal/config"
	"github.com/nevindra/relay/internal/discord"
)

// Downloader fetches one attachment URL to a local path.
type Downloader func(ctx context.Context, url, dest string) (int64, error)

// fetchAttachments mirrors a message's attachments under the data dir
// and returns descriptors for the prompt.
func (h *Handler) fetchAttachments(ctx context.Context, messageID string, refs []discord.AttachmentRef) ([]agent.Attachment, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	dir := config.AttachmentsDir(h.dataDir, messageID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}

	var out []agent.Attachment
	for _, ref := range refs {
		name := filepath.Base(ref.Filename)
		if name == "." || name == string(filepath.Separator) {
			return nil, fmt.Errorf("attachment has no usable filename: %q", ref.Filename)
		}
		dest := filepath.Join(dir, name)
		size, err := h.download(ctx, ref.URL, dest)
		if err != nil {
			return nil, fmt.Errorf("download %s: %w", name, err)
		}
		out = append(out, agent.Attachment{Path: dest, Name: name, Size: size})
	}
	return out, nil
}

// httpDownloader is the default Downloader.
func httpDownloader(ctx context.Context, url, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %s", resp.Status)
	}

	f, err := os.Create(dest)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n, err := io.Copy(f, resp.Body)
	if err != nil {
		return 0, err
	}
	return n, nil
}
