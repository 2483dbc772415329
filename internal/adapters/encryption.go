package adapters

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"

	"gorm.io/gorm/schema"
)

// EncryptedSerializerName is the serializer name used in gorm struct tags: `gorm:"serializer:encstr"`.
const EncryptedSerializerName = "encstr"

// GormEncryptedStringSerializer is a GORM serializer that encrypts and decrypts string values using AES-256-GCM.
// Values written without a passphrase are stored in plain text and stay readable once a passphrase is configured.
type GormEncryptedStringSerializer struct {
	useEncryption bool
	key           []byte
	prefix        string
}

// NewGormEncryptedStringSerializer creates a new GormEncryptedStringSerializer. An empty passphrase disables
// encryption.
func NewGormEncryptedStringSerializer(passphrase string) GormEncryptedStringSerializer {
	key := sha256.Sum256([]byte(passphrase))
	return GormEncryptedStringSerializer{
		useEncryption: passphrase != "",
		key:           key[:],
		prefix:        "IDS_ENC_",
	}
}

// RegisterEncryptedSerializer registers the serializer with GORM. It must be called before the first model using it
// is parsed.
func RegisterEncryptedSerializer(passphrase string) {
	schema.RegisterSerializer(EncryptedSerializerName, NewGormEncryptedStringSerializer(passphrase))
}

// Scan implements the GORM serializer interface. It decrypts the value after reading it from the database.
func (s GormEncryptedStringSerializer) Scan(
	ctx context.Context,
	field *schema.Field,
	dst reflect.Value,
	dbValue any,
) error {
	var dbStringValue string
	if dbValue != nil {
		switch v := dbValue.(type) {
		case []byte:
			dbStringValue = string(v)
		case string:
			dbStringValue = v
		default:
			return fmt.Errorf("unsupported type %T for encrypted field %s", dbValue, field.Name)
		}
	}

	if !strings.HasPrefix(dbStringValue, s.prefix) {
		field.ReflectValueOf(ctx, dst).SetString(dbStringValue) // plain value
		return nil
	}

	if !s.useEncryption {
		return fmt.Errorf("field %s is encrypted but no passphrase is configured", field.Name)
	}

	decrypted, err := s.decrypt(strings.TrimPrefix(dbStringValue, s.prefix))
	if err != nil {
		return fmt.Errorf("failed to decrypt value for field %s: %w", field.Name, err)
	}

	field.ReflectValueOf(ctx, dst).SetString(decrypted)
	return nil
}

// Value implements the GORM serializer interface. It encrypts the value before storing it in the database.
func (s GormEncryptedStringSerializer) Value(
	_ context.Context,
	field *schema.Field,
	_ reflect.Value,
	fieldValue any,
) (any, error) {
	if fieldValue == nil {
		return nil, nil
	}

	v, ok := fieldValue.(string)
	if !ok {
		return nil, fmt.Errorf("encryption only supports string values, got %T for %s", fieldValue, field.Name)
	}
	if v == "" || !s.useEncryption {
		return v, nil
	}

	encrypted, err := s.encrypt(v)
	if err != nil {
		return nil, err
	}
	return s.prefix + encrypted, nil
}

func (s GormEncryptedStringSerializer) encrypt(plaintext string) (string, error) {
	gcm, err := s.cipher()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s GormEncryptedStringSerializer) decrypt(encoded string) (string, error) {
	gcm, err := s.cipher()
	if err != nil {
		return "", err
	}

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	if len(sealed) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}

	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func (s GormEncryptedStringSerializer) cipher() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
