package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"
)

// File format: magic, 16-byte salt, 12-byte nonce, AES-256-GCM ciphertext.
var magic = []byte("PTRLC1")

const (
	saltSize   = 16
	nonceSize  = 12
	keySize    = 32
	pbkdf2Iter = 16384
)

func deriveKey(pass string, salt []byte) []byte {
	return pbkdf2.Key([]byte(pass), salt, pbkdf2Iter, keySize, sha256.New)
}

// Encrypt encrypts a small blob with a passphrase-derived key.
func Encrypt(data []byte, pass string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %v", err)
	}

	block, err := aes.NewCipher(deriveKey(pass, salt))
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %v", err)
	}

	out := make([]byte, 0, len(magic)+saltSize+nonceSize+len(data)+gcm.Overhead())
	out = append(out, magic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, data, nil)
	return out, nil
}

// Decrypt decrypts a blob produced by Encrypt.
func Decrypt(data []byte, pass string) ([]byte, error) {
	headerSize := len(magic) + saltSize + nonceSize
	if len(data) < headerSize {
		return nil, fmt.Errorf("encrypted blob too short (%d bytes)", len(data))
	}

	if string(data[:len(magic)]) != string(magic) {
		return nil, fmt.Errorf("bad encrypted blob header")
	}

	salt := data[len(magic) : len(magic)+saltSize]
	nonce := data[len(magic)+saltSize : headerSize]

	block, err := aes.NewCipher(deriveKey(pass, salt))
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	plain, err := gcm.Open(nil, nonce, data[headerSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %v", err)
	}

	return plain, nil
}

// EncryptFile encrypts inPath into outPath. Safe to call concurrently on
// distinct files. The output is written via a temp file and rename so a
// crash cannot leave a half-written encrypted file behind.
func EncryptFile(inPath string, outPath string, pass string) error {
	data, err := os.ReadFile(filepath.Clean(inPath))
	if err != nil {
		return fmt.Errorf("failed to read %s: %v", inPath, err)
	}

	enc, err := Encrypt(data, pass)
	if err != nil {
		return err
	}

	return writeFileAtomic(outPath, enc)
}

// DecryptFile decrypts inPath into outPath.
func DecryptFile(inPath string, outPath string, pass string) error {
	data, err := os.ReadFile(filepath.Clean(inPath))
	if err != nil {
		return fmt.Errorf("failed to read %s: %v", inPath, err)
	}

	plain, err := Decrypt(data, pass)
	if err != nil {
		return err
	}

	return writeFileAtomic(outPath, plain)
}

// EncryptDir encrypts every regular file in srcDir into dstDir, keeping
// file names. Subdirectories are skipped.
func EncryptDir(srcDir string, dstDir string, pass string) error {
	return mapDir(srcDir, dstDir, func(in, out string) error {
		return EncryptFile(in, out, pass)
	})
}

// DecryptDir decrypts every regular file in srcDir into dstDir.
func DecryptDir(srcDir string, dstDir string, pass string) error {
	return mapDir(srcDir, dstDir, func(in, out string) error {
		return DecryptFile(in, out, pass)
	})
}

func mapDir(srcDir string, dstDir string, fn func(in, out string) error) error {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return fmt.Errorf("failed to read dir %s: %v", srcDir, err)
	}

	if err := os.MkdirAll(dstDir, 0700); err != nil {
		return fmt.Errorf("failed to create dir %s: %v", dstDir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		in := filepath.Join(srcDir, entry.Name())
		out := filepath.Join(dstDir, entry.Name())
		if err := fn(in, out); err != nil {
			return err
		}
	}

	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %v", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %v", tmp, err)
	}
	return nil
}
