package wireguard

import (
	"fmt"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// KeyPair — base64-ключи в формате `wg genkey` / `wg pubkey`.
type KeyPair struct {
	PrivateKey string
	PublicKey  string
}

// GenerateKeyPair создаёт новую Curve25519 пару для пира.
func GenerateKeyPair() (KeyPair, error) {
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate private key: %w", err)
	}
	return KeyPair{
		PrivateKey: priv.String(),
		PublicKey:  priv.PublicKey().String(),
	}, nil
}

// ValidateKey проверяет, что строка является корректным 32-байтным base64 ключом.
func ValidateKey(s string) error {
	if _, err := wgtypes.ParseKey(s); err != nil {
		return fmt.Errorf("invalid wireguard key: %w", err)
	}
	return nil
}
