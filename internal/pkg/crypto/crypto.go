package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const hkdfInfo = "gitlab-tracker/token-vault/v1"

var errCiphertextTooShort = errors.New("密文长度非法")

// Vault 令牌保险箱，使用 AES-256-GCM 加密 OAuth/PAT 令牌
//
// 密文格式: base64(nonce || ciphertext || tag)，解密不需要额外信息。
// Vault 创建后只读，可在多个 goroutine 间共享。
type Vault struct {
	aead cipher.AEAD
}

// NewVault 根据配置的密钥创建 Vault
// 支持 64 位十六进制、16/24/32 字节原文，其它长度通过 HKDF-SHA256 派生 32 字节密钥。
func NewVault(secret string) (*Vault, error) {
	key, err := deriveKey(secret)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("创建 AES 实例失败: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("创建 GCM 实例失败: %w", err)
	}

	return &Vault{aead: aead}, nil
}

func deriveKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, errors.New("未配置加密密钥")
	}

	if len(secret) == 64 {
		if key, err := hex.DecodeString(secret); err == nil {
			return key, nil
		}
	}

	switch len(secret) {
	case 16, 24, 32:
		return []byte(secret), nil
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("派生密钥失败: %w", err)
	}
	return key, nil
}

// Encrypt 加密明文，每次调用使用随机 nonce
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt 解密密文，密文损坏或密钥不匹配时返回 ok=false，不返回错误
func (v *Vault) Decrypt(ciphertext string) (string, bool) {
	plaintext, err := v.open(ciphertext)
	if err != nil {
		return "", false
	}
	return plaintext, true
}

func (v *Vault) open(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	nonceSize := v.aead.NonceSize()
	if len(raw) < nonceSize+v.aead.Overhead() {
		return "", errCiphertextTooShort
	}

	plaintext, err := v.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
