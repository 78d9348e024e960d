package dingtalk

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // register PNG decoding for recompression
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// MediaKind selects the upload channel and its size limit.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVoice MediaKind = "voice"
	MediaVideo MediaKind = "video"
	MediaFile  MediaKind = "file"
)

// Per-kind upload limits enforced by the platform.
const (
	MaxImageBytes int64 = 20 << 20
	MaxVoiceBytes int64 = 2 << 20
	MaxVideoBytes int64 = 20 << 20
	MaxFileBytes  int64 = 20 << 20
)

// recompressJPEGQuality is the quality used when shrinking oversized images.
const recompressJPEGQuality = 60

func (k MediaKind) maxBytes() int64 {
	switch k {
	case MediaImage:
		return MaxImageBytes
	case MediaVoice:
		return MaxVoiceBytes
	case MediaVideo:
		return MaxVideoBytes
	default:
		return MaxFileBytes
	}
}

// KindForPath guesses the media kind from a file extension.
func KindForPath(path string) MediaKind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp":
		return MediaImage
	case ".amr", ".wav", ".ogg", ".opus":
		return MediaVoice
	case ".mp4", ".mov", ".avi":
		return MediaVideo
	default:
		return MediaFile
	}
}

func fileExt(name string) string {
	return filepath.Ext(name)
}

// DownloadFile resolves a message download code to a URL and fetches the
// binary into destDir, returning the local path. The exchange is two-step:
// info first, then the binary fetch.
func (c *Client) DownloadFile(ctx context.Context, cred Credentials, robotCode, downloadCode, destDir, fileName string) (string, error) {
	if strings.TrimSpace(downloadCode) == "" {
		return "", fmt.Errorf("download code is required")
	}
	token, err := c.AccessToken(ctx, cred, TokenV2)
	if err != nil {
		return "", err
	}
	payload := map[string]string{
		"downloadCode": downloadCode,
		"robotCode":    robotCode,
	}
	var resp struct {
		DownloadURL string `json:"downloadUrl"`
	}
	headers := map[string]string{accessTokenHeader: token}
	if err := c.postJSON(ctx, c.apiBase+"/v1.0/robot/messageFiles/download", headers, payload, &resp); err != nil {
		return "", fmt.Errorf("resolve download url: %w", err)
	}
	if strings.TrimSpace(resp.DownloadURL) == "" {
		return "", fmt.Errorf("resolve download url: empty url")
	}
	return c.fetchToDir(ctx, resp.DownloadURL, destDir, fileName)
}

func (c *Client) fetchToDir(ctx context.Context, downloadURL, destDir, fileName string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download media: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download media: status %d", resp.StatusCode)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	name := strings.TrimSpace(fileName)
	if name == "" {
		name = filepath.Base(strings.Split(downloadURL, "?")[0])
	}
	// Never trust remote names for path components.
	name = uuid.NewString() + "_" + filepath.Base(name)
	dest := filepath.Join(destDir, name)
	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create media file: %w", err)
	}
	defer func() {
		_ = out.Close()
	}()
	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = os.Remove(dest)
		return "", fmt.Errorf("write media file: %w", err)
	}
	return dest, nil
}

// UploadMedia pushes a local file through the legacy multipart upload endpoint
// and returns the platform media handle. Oversized images are recompressed and
// oversized generic files are zip-archived before giving up with
// ErrMediaTooLarge.
func (c *Client) UploadMedia(ctx context.Context, cred Credentials, kind MediaKind, path string) (string, error) {
	data, name, err := prepareUpload(kind, path)
	if err != nil {
		return "", err
	}
	token, err := c.AccessToken(ctx, cred, TokenLegacy)
	if err != nil {
		return "", err
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("media", name)
	if err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write upload form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close upload form: %w", err)
	}

	endpoint := fmt.Sprintf("%s/media/upload?access_token=%s&type=%s",
		c.oapiBase, url.QueryEscape(token), string(kind))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read upload response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", newAPIError(resp.StatusCode, respBody)
	}
	var parsed struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
		MediaID string `json:"media_id"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if parsed.ErrCode != 0 {
		return "", newAPIError(resp.StatusCode, respBody)
	}
	if strings.TrimSpace(parsed.MediaID) == "" {
		return "", fmt.Errorf("upload media: empty media id")
	}
	return parsed.MediaID, nil
}

// prepareUpload reads the file and degrades oversized payloads: images are
// re-encoded as JPEG, generic files are zip-archived. Voice and video have no
// degrade path.
func prepareUpload(kind MediaKind, path string) ([]byte, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read media file: %w", err)
	}
	name := filepath.Base(path)
	limit := kind.maxBytes()
	if int64(len(data)) <= limit {
		return data, name, nil
	}
	switch kind {
	case MediaImage:
		shrunk, err := recompressImage(data)
		if err != nil {
			return nil, "", fmt.Errorf("%w: recompress failed: %v", ErrMediaTooLarge, err)
		}
		if int64(len(shrunk)) > limit {
			return nil, "", fmt.Errorf("%w: %d bytes after recompression (max %d)", ErrMediaTooLarge, len(shrunk), limit)
		}
		return shrunk, strings.TrimSuffix(name, filepath.Ext(name)) + ".jpg", nil
	case MediaFile:
		zipped, err := zipBytes(name, data)
		if err != nil {
			return nil, "", fmt.Errorf("%w: archive failed: %v", ErrMediaTooLarge, err)
		}
		if int64(len(zipped)) > limit {
			return nil, "", fmt.Errorf("%w: %d bytes after archiving (max %d)", ErrMediaTooLarge, len(zipped), limit)
		}
		return zipped, name + ".zip", nil
	default:
		return nil, "", fmt.Errorf("%w: %d bytes (max %d)", ErrMediaTooLarge, len(data), limit)
	}
}

func recompressImage(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: recompressJPEGQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func zipBytes(name string, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	entry, err := writer.Create(name)
	if err != nil {
		return nil, err
	}
	if _, err := entry.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
