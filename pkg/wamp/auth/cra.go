// Package auth реализует WAMP-CRA: ответ клиента на CHALLENGE и проверку
// подписи на стороне роутера.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp"
)

const (
	MethodCRA = "wampcra"

	DefaultIterations = 1000
	DefaultKeyLen     = 32
)

var (
	ErrUnsupportedMethod = errors.New("unsupported auth method")
	ErrNoChallenge       = errors.New("challenge string missing")
)

// DeriveKey растягивает секрет через PBKDF2-HMAC-SHA256 и возвращает ключ
// в base64. Нулевые iterations и keyLen заменяются значениями по умолчанию.
func DeriveKey(secret, salt string, iterations, keyLen int) string {
	if iterations <= 0 {
		iterations = DefaultIterations
	}

	if keyLen <= 0 {
		keyLen = DefaultKeyLen
	}

	key := pbkdf2.Key([]byte(secret), []byte(salt), iterations, keyLen, sha256.New)

	return base64.StdEncoding.EncodeToString(key)
}

// Sign возвращает base64(HMAC-SHA256(key, challenge)).
func Sign(key, challenge string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(challenge))

	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify сравнивает подпись за постоянное время.
func Verify(key, challenge, signature string) bool {
	return hmac.Equal([]byte(Sign(key, challenge)), []byte(signature))
}

// SigningKey выбирает ключ подписи: если в extra есть salt, секрет
// растягивается, иначе используется как есть.
func SigningKey(secret string, extra wamp.Dict) string {
	salt, _ := extra["salt"].(string)
	if salt == "" {
		return secret
	}

	iterations, _ := wamp.DictID(extra, "iterations")
	keyLen, _ := wamp.DictID(extra, "keylen")

	return DeriveKey(secret, salt, int(iterations), int(keyLen))
}

// Respond строит AUTHENTICATE на CHALLENGE с методом wampcra.
func Respond(secret string, ch *wamp.Challenge) (*wamp.Authenticate, error) {
	if ch.AuthMethod != MethodCRA {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, ch.AuthMethod)
	}

	challenge, _ := ch.Extra["challenge"].(string)
	if challenge == "" {
		return nil, ErrNoChallenge
	}

	return &wamp.Authenticate{
		Signature: Sign(SigningKey(secret, ch.Extra), challenge),
		Extra:     wamp.Dict{},
	}, nil
}
