// Package auth 連線准入的身分驗證
//
// 驗證發生在握手階段（命名空間中介層），失敗的連線不會被註冊：
//
//	客戶端 --token--> Middleware --Verify--> Claims 附加到連線
//	                          \--拒絕--> connect_error{message: 原因}
//
// 靜態憑證支援兩種寫法：
//
//	token: 明文（開發環境）
//	hash:  $argon2id$v=19$m=16384,t=2,p=2$<salt>$<hash>（正式環境，配置檔不存明文）
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/koopa0/system-design/broadcast-fabric/internal/fabric"
	apperrors "github.com/koopa0/system-design/broadcast-fabric/pkg/errors"
)

// ClaimsKey 連線資料中存放 Claims 的 key
const ClaimsKey = "claims"

// argon2id 參數
const (
	argonTime    = 2
	argonMemory  = 16 * 1024
	argonThreads = 2
	argonKeyLen  = 32
	argonSaltLen = 16
)

// Claims 驗證通過後的身分
type Claims struct {
	Subject string   `json:"subject"`
	Scopes  []string `json:"scopes,omitempty"`
}

// Verifier 驗證 token
//
// 拒絕時回傳 apperrors.Rejected(原因)，原因會原樣送給客戶端。
type Verifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

// VerifierFunc 函數形式的 Verifier
type VerifierFunc func(ctx context.Context, token string) (Claims, error)

// Verify 實作 Verifier
func (f VerifierFunc) Verify(ctx context.Context, token string) (Claims, error) {
	return f(ctx, token)
}

// Credential 一組靜態憑證，Token 與 Hash 擇一
type Credential struct {
	Subject string   `yaml:"subject"`
	Token   string   `yaml:"token"`
	Hash    string   `yaml:"hash"`
	Scopes  []string `yaml:"scopes"`
}

type argonHash struct {
	memory  uint32
	time    uint32
	threads uint8
	salt    []byte
	key     []byte
}

type entry struct {
	claims Claims
	token  []byte
	hash   *argonHash
}

// StaticVerifier 以配置檔中的憑證驗證
type StaticVerifier struct {
	entries []entry
	logger  *slog.Logger
}

// NewStaticVerifier 建立靜態驗證器，雜湊格式錯誤時回傳 INVALID_INPUT
func NewStaticVerifier(creds []Credential, logger *slog.Logger) (*StaticVerifier, error) {
	v := &StaticVerifier{logger: logger}
	for i, c := range creds {
		if c.Subject == "" {
			return nil, apperrors.ErrInvalidConfig.WithDetails(fmt.Sprintf("credential %d: subject is required", i))
		}
		e := entry{claims: Claims{Subject: c.Subject, Scopes: c.Scopes}}
		switch {
		case c.Hash != "":
			h, err := parseHash(c.Hash)
			if err != nil {
				return nil, apperrors.ErrInvalidConfig.WithDetails(fmt.Sprintf("credential %q: %v", c.Subject, err))
			}
			e.hash = h
		case c.Token != "":
			e.token = []byte(c.Token)
		default:
			return nil, apperrors.ErrInvalidConfig.WithDetails(fmt.Sprintf("credential %q: token or hash is required", c.Subject))
		}
		v.entries = append(v.entries, e)
	}
	return v, nil
}

// Len 憑證數量
func (v *StaticVerifier) Len() int {
	return len(v.entries)
}

// Verify 實作 Verifier
func (v *StaticVerifier) Verify(ctx context.Context, token string) (Claims, error) {
	if token == "" {
		return Claims{}, apperrors.Rejected("missing token")
	}

	secret := []byte(token)
	for _, e := range v.entries {
		if e.matches(secret) {
			return e.claims, nil
		}
	}

	v.logger.DebugContext(ctx, "token 驗證失敗")
	return Claims{}, apperrors.Rejected("invalid token")
}

func (e entry) matches(secret []byte) bool {
	if e.hash == nil {
		return subtle.ConstantTimeCompare(e.token, secret) == 1
	}
	computed := argon2.IDKey(secret, e.hash.salt, e.hash.time, e.hash.memory, e.hash.threads, uint32(len(e.hash.key)))
	return subtle.ConstantTimeCompare(computed, e.hash.key) == 1
}

// HashToken 產生可放進配置檔的 argon2id 雜湊
func HashToken(token string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(token), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

func parseHash(encoded string) (*argonHash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return nil, fmt.Errorf("unsupported hash format")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, fmt.Errorf("parse version: %w", err)
	}
	if version != argon2.Version {
		return nil, fmt.Errorf("unsupported argon2 version %d", version)
	}

	h := &argonHash{}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &h.memory, &h.time, &h.threads); err != nil {
		return nil, fmt.Errorf("parse params: %w", err)
	}

	var err error
	if h.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	}
	if h.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return nil, fmt.Errorf("decode hash: %w", err)
	}
	if len(h.key) == 0 {
		return nil, fmt.Errorf("empty hash")
	}
	return h, nil
}

// Middleware 驗證握手 token，通過後把 Claims 附加到連線
//
// token 優先取 Handshake.Token，其次是 query 參數 token。
func Middleware(v Verifier) fabric.Middleware {
	return func(ctx context.Context, c *fabric.Conn, hs fabric.Handshake) error {
		token := hs.Token
		if token == "" && hs.Query != nil {
			token = hs.Query.Get("token")
		}

		claims, err := v.Verify(ctx, token)
		if err != nil {
			return err
		}
		c.Set(ClaimsKey, claims)
		return nil
	}
}

// ClaimsOf 取出連線的 Claims
func ClaimsOf(c *fabric.Conn) (Claims, bool) {
	v, ok := c.Get(ClaimsKey)
	if !ok {
		return Claims{}, false
	}
	claims, ok := v.(Claims)
	return claims, ok
}
