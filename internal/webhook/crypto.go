package webhook

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// encryptedEnvelope is the shape Feishu posts when encrypt_key is
// configured: {"encrypt": "<base64 of IV(16) || AES-256-CBC(PKCS7)>"}.
type encryptedEnvelope struct {
	Encrypt string `json:"encrypt"`
}

// isEncryptedBody reports whether payload is the {"encrypt": "..."} wire
// shape rather than a cleartext event.
func isEncryptedBody(payload []byte) (string, bool) {
	var env encryptedEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", false
	}
	return env.Encrypt, env.Encrypt != ""
}

// Decrypt derives a 32-byte key from sha256(encryptKey), splits the
// base64-decoded ciphertext into its 16-byte IV prefix and AES-256-CBC
// body, decrypts, and strips PKCS7 padding — Feishu's documented wire
// format for encrypted event bodies.
func Decrypt(encryptKey, encryptedB64 string) ([]byte, error) {
	key := sha256.Sum256([]byte(encryptKey))
	ciphertext, err := base64.StdEncoding.DecodeString(encryptedB64)
	if err != nil {
		return nil, fmt.Errorf("webhook: decode base64: %w", err)
	}
	if len(ciphertext) < aes.BlockSize || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("webhook: ciphertext is not a valid CBC payload")
	}
	iv := ciphertext[:aes.BlockSize]
	body := ciphertext[aes.BlockSize:]
	if len(body) == 0 {
		return nil, fmt.Errorf("webhook: empty ciphertext body")
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("webhook: new cipher: %w", err)
	}
	mode := cipher.NewCBCDecrypter(block, iv)
	plaintext := make([]byte, len(body))
	mode.CryptBlocks(plaintext, body)

	return unpadPKCS7(plaintext)
}

func unpadPKCS7(data []byte) ([]byte, error) {
	n := len(data)
	if n == 0 {
		return nil, fmt.Errorf("webhook: empty plaintext")
	}
	padLen := int(data[n-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > n {
		return nil, fmt.Errorf("webhook: invalid pkcs7 padding")
	}
	if !bytes.Equal(data[n-padLen:], bytes.Repeat([]byte{byte(padLen)}, padLen)) {
		return nil, fmt.Errorf("webhook: invalid pkcs7 padding bytes")
	}
	return data[:n-padLen], nil
}
