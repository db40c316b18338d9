package transcode

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/google/renameio/v2"
)

const (
	keyFileName     = "enc.key"
	keyInfoFileName = "enc-info"
)

// KeyMaterial locates the per-asset AES-128 key written next to the ladder.
type KeyMaterial struct {
	URI      string
	KeyPath  string
	InfoPath string
	IV       string
}

// GenerateKeyMaterial writes a random 16-byte key and the ffmpeg key info
// descriptor into dir. Both files are replaced atomically.
func GenerateKeyMaterial(dir, keyURI string) (KeyMaterial, error) {
	key := make([]byte, 16)
	if _, err := rand.Read(key); err != nil {
		return KeyMaterial{}, fmt.Errorf("generate key: %w", err)
	}
	iv := make([]byte, 16)
	if _, err := rand.Read(iv); err != nil {
		return KeyMaterial{}, fmt.Errorf("generate iv: %w", err)
	}
	material := KeyMaterial{
		URI:      keyURI,
		KeyPath:  filepath.Join(dir, keyFileName),
		InfoPath: filepath.Join(dir, keyInfoFileName),
		IV:       hex.EncodeToString(iv),
	}
	if err := renameio.WriteFile(material.KeyPath, key, 0o600); err != nil {
		return KeyMaterial{}, fmt.Errorf("write key: %w", err)
	}
	info := fmt.Sprintf("%s\n%s\n%s\n", material.URI, material.KeyPath, material.IV)
	if err := renameio.WriteFile(material.InfoPath, []byte(info), 0o600); err != nil {
		return KeyMaterial{}, fmt.Errorf("write key info: %w", err)
	}
	return material, nil
}
