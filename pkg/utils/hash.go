package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// ContentHash returns the hex SHA-256 digest of raw bytes. It is the dedup identity of a saved image.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// CalculateFileSHA256 computes the SHA-256 hash of a file's content.
func CalculateFileSHA256(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
