package decode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/resolvarr/resolvarr/internal/types"
)

// Decryptor talks to the companion decryption service. The service holds
// the symmetric key material so it never has to live in this process.
type Decryptor struct {
	client  *http.Client
	baseURL string
}

// NewDecryptor creates a client for the decryption service at baseURL.
func NewDecryptor(baseURL string) *Decryptor {
	return &Decryptor{
		client:  &http.Client{Timeout: 20 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

type decryptRequest struct {
	EncryptedData string `json:"encryptedData"`
	Key           string `json:"key"`
}

type decryptResponse struct {
	Decrypted string `json:"decrypted"`
	Error     string `json:"error"`
}

// Decrypt posts ciphertext and its security key to /decrypt-<variant>
// and returns the plaintext.
func (d *Decryptor) Decrypt(ctx context.Context, variant, encryptedData, key string) (string, error) {
	if d == nil || d.baseURL == "" {
		return "", types.ErrNoDecryptService
	}

	payload, err := json.Marshal(decryptRequest{EncryptedData: encryptedData, Key: key})
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/decrypt-%s", d.baseURL, variant)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("decryption service request: %w", err)
	}
	defer resp.Body.Close()

	var out decryptResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("parsing decryption response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("decryption service: %s", out.Error)
	}
	if out.Decrypted == "" {
		return "", fmt.Errorf("decryption service returned empty plaintext")
	}
	return out.Decrypted, nil
}

// Page markers for the AES scheme: the ciphertext and its security key
// are assigned to JS variables or JSON fields with stable names.
var (
	cipherRe = regexp.MustCompile(`(?i)["']?encrypted(?:Data|_data)?["']?\s*[:=]\s*["']([A-Za-z0-9+/=]{24,})["']`)
	keyRe    = regexp.MustCompile(`(?i)["']?(?:security_?key|passphrase|key)["']?\s*[:=]\s*["']([A-Za-z0-9+/=_-]{8,})["']`)
)

// AES decodes pages that embed an AES-CBC ciphertext resolved by the
// remote decryption service.
type AES struct {
	decryptor *Decryptor
	variant   string
}

// NewAES creates the AES strategy for one service variant (the service
// exposes one endpoint per target site's key schedule).
func NewAES(decryptor *Decryptor, variant string) *AES {
	return &AES{decryptor: decryptor, variant: variant}
}

func (a *AES) Name() string { return "aes-" + a.variant }

// Decode implements types.DecodeHook.
func (a *AES) Decode(ctx context.Context, pageHTML, pageURL string) types.DecodeResult {
	cm := cipherRe.FindStringSubmatch(pageHTML)
	if cm == nil {
		return types.DecodeResult{Outcome: types.DecodeNotApplicable}
	}
	km := keyRe.FindStringSubmatch(pageHTML)
	if km == nil {
		return types.DecodeResult{
			Outcome: types.DecodeMalformed,
			Err:     fmt.Errorf("%w: ciphertext present but no security key", types.ErrDecodeFailed),
		}
	}

	plaintext, err := a.decryptor.Decrypt(ctx, a.variant, cm[1], km[1])
	if err != nil {
		return types.DecodeResult{
			Outcome: types.DecodeMalformed,
			Err:     fmt.Errorf("%w: %s", types.ErrDecodeFailed, err),
		}
	}

	next := urlFromPlaintext(plaintext)
	if next == "" {
		return types.DecodeResult{
			Outcome: types.DecodeMalformed,
			Err:     fmt.Errorf("%w: plaintext carried no URL", types.ErrDecodeFailed),
		}
	}
	return types.DecodeResult{Outcome: types.DecodeApplicable, NextURL: next}
}

// urlFromPlaintext pulls the media URL out of the decrypted payload,
// which is either JSON metadata or a bare URL.
func urlFromPlaintext(plaintext string) string {
	plaintext = strings.TrimSpace(plaintext)
	if strings.HasPrefix(plaintext, "http") {
		return plaintext
	}

	var meta struct {
		URL    string `json:"url"`
		File   string `json:"file"`
		Link   string `json:"link"`
		Source string `json:"source"`
	}
	if err := json.Unmarshal([]byte(plaintext), &meta); err != nil {
		return ""
	}
	for _, u := range []string{meta.URL, meta.File, meta.Link, meta.Source} {
		if strings.HasPrefix(u, "http") {
			return u
		}
	}
	return ""
}
