package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

// IdentityProtector は本人識別番号などの機微な値のハッシュ化と暗号化を行う。
// 検索には鍵付きハッシュを使い、平文は保存しない。
type IdentityProtector struct {
	hashKey []byte
	encKey  []byte
}

// NewIdentityProtector はIdentityProtectorを生成する。
// hashKeyは任意長（16バイト以上）、encKeyHexは32バイトの鍵を16進数で指定する。
func NewIdentityProtector(hashKey, encKeyHex string) (*IdentityProtector, error) {
	if len(hashKey) < 16 {
		return nil, errors.New("ハッシュ鍵は16バイト以上必要です")
	}
	key := []byte(hashKey)
	if len(key) > blake2b.Size {
		sum := blake2b.Sum256(key)
		key = sum[:]
	}
	encKey, err := hex.DecodeString(encKeyHex)
	if err != nil {
		return nil, fmt.Errorf("暗号鍵の形式が不正です: %w", err)
	}
	if len(encKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("暗号鍵は%dバイト必要です", chacha20poly1305.KeySize)
	}
	return &IdentityProtector{hashKey: key, encKey: encKey}, nil
}

// NormalizeIdentity は入力揺れ（空白・ハイフン・大小文字）を除去する。
func NormalizeIdentity(v string) string {
	v = strings.ToUpper(strings.TrimSpace(v))
	return strings.NewReplacer(" ", "", "-", "", "\t", "").Replace(v)
}

// NormalizeEmail はメールアドレスを比較用に正規化する。
func NormalizeEmail(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

func (p *IdentityProtector) keyedHash(domain, value string) string {
	h, err := blake2b.New256(p.hashKey)
	if err != nil {
		// 鍵長はコンストラクタで検証済み
		panic(err)
	}
	h.Write([]byte(domain))
	h.Write([]byte{0})
	h.Write([]byte(value))
	return hex.EncodeToString(h.Sum(nil))
}

// HashIdentity は正規化した本人識別番号の鍵付きハッシュを返す。
func (p *IdentityProtector) HashIdentity(identity string) string {
	return p.keyedHash("identity", NormalizeIdentity(identity))
}

// HashContact は正規化したメールアドレスの鍵付きハッシュを返す。
func (p *IdentityProtector) HashContact(email string) string {
	return p.keyedHash("contact", NormalizeEmail(email))
}

// HashCode は確認コードの鍵付きハッシュを返す。追跡IDに束縛する。
func (p *IdentityProtector) HashCode(trackerID, code string) string {
	return p.keyedHash("code:"+trackerID, strings.TrimSpace(code))
}

// Encrypt は値をXChaCha20-Poly1305で暗号化する。戻り値はnonce||ciphertext。
func (p *IdentityProtector) Encrypt(plaintext string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(p.encKey)
	if err != nil {
		return nil, fmt.Errorf("暗号器の初期化に失敗しました: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonceの生成に失敗しました: %w", err)
	}
	return aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Decrypt はEncryptで暗号化した値を復号する。
func (p *IdentityProtector) Decrypt(sealed []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(p.encKey)
	if err != nil {
		return "", fmt.Errorf("暗号器の初期化に失敗しました: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return "", errors.New("暗号文が短すぎます")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("復号に失敗しました: %w", err)
	}
	return string(plain), nil
}

// EqualHash はハッシュ値を定数時間で比較する。
func EqualHash(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// GenerateNumericCode は暗号論的乱数でdigits桁の数字コードを生成する。
func GenerateNumericCode(digits int) (string, error) {
	if digits <= 0 || digits > 18 {
		return "", fmt.Errorf("桁数が不正です: %d", digits)
	}
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("確認コードの生成に失敗しました: %w", err)
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}
