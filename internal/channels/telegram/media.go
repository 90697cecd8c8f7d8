package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/mymmrac/telego"
)

const (
	// defaultMediaMaxBytes is the default max download size (20MB, Telegram Bot API limit).
	defaultMediaMaxBytes int64 = 20 * 1024 * 1024

	// downloadMaxRetries is the number of download retry attempts.
	downloadMaxRetries = 3

	// maxImageDim is the longest edge of a photo after downscaling.
	maxImageDim = 1568
)

// resolveAttachments downloads photo attachments from a Telegram message and
// returns their local file paths. Photos are sanitized before handoff.
func (c *Channel) resolveAttachments(ctx context.Context, msg *telego.Message) []string {
	if len(msg.Photo) == 0 {
		return nil
	}

	maxBytes := c.config.MediaMaxBytes
	if maxBytes == 0 {
		maxBytes = defaultMediaMaxBytes
	}

	// Highest resolution variant is the last element.
	photo := msg.Photo[len(msg.Photo)-1]
	filePath, err := c.downloadFile(ctx, photo.FileID, maxBytes)
	if err != nil {
		slog.Warn("failed to download photo", "file_id", photo.FileID, "error", err)
		return nil
	}

	sanitized, err := sanitizeImage(filePath)
	if err != nil {
		slog.Warn("failed to sanitize image, using original", "error", err)
		sanitized = filePath
	}

	return []string{sanitized}
}

// downloadFile downloads a file from Telegram by file_id with retry logic.
// Returns the local file path.
func (c *Channel) downloadFile(ctx context.Context, fileID string, maxBytes int64) (string, error) {
	var file *telego.File
	var err error

	// Retry up to downloadMaxRetries times with exponential backoff
	for attempt := 1; attempt <= downloadMaxRetries; attempt++ {
		file, err = c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
		if err == nil {
			break
		}
		if attempt < downloadMaxRetries {
			slog.Debug("retrying file download", "file_id", fileID, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	if err != nil {
		return "", fmt.Errorf("get file info after %d attempts: %w", downloadMaxRetries, err)
	}

	if file.FilePath == "" {
		return "", fmt.Errorf("empty file path for file_id %s", fileID)
	}

	// Check file size before downloading
	if int64(file.FileSize) > maxBytes {
		return "", fmt.Errorf("file too large: %d bytes (max %d)", file.FileSize, maxBytes)
	}

	downloadURL := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.config.Token, file.FilePath)

	resp, err := http.Get(downloadURL)
	if err != nil {
		return "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	ext := filepath.Ext(file.FilePath)
	if ext == "" {
		ext = ".bin"
	}

	tmpFile, err := os.CreateTemp("", "conductor_media_*"+ext)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer tmpFile.Close()

	// Copy with size limit
	written, err := io.Copy(tmpFile, io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("save file: %w", err)
	}
	if written > maxBytes {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("file exceeds max size during download: %d bytes", written)
	}

	return tmpFile.Name(), nil
}

// sanitizeImage re-encodes a downloaded photo as JPEG, dropping metadata and
// downscaling anything larger than maxImageDim on its longest edge.
// Returns the path of the re-encoded file; the original is removed.
func sanitizeImage(path string) (string, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	if b := img.Bounds(); b.Dx() > maxImageDim || b.Dy() > maxImageDim {
		img = imaging.Fit(img, maxImageDim, maxImageDim, imaging.Lanczos)
	}

	out := strings.TrimSuffix(path, filepath.Ext(path)) + "_clean.jpg"
	if err := imaging.Save(img, out, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}

	os.Remove(path)
	return out, nil
}
