package wireguard

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/skip2/go-qrcode"
)

// ServerParams — статические параметры демона из конфигурации деплоя,
// не состояние тенанта.
type ServerParams struct {
	PublicKey           string
	Endpoint            string // host:port
	AllowedIPs          string // как есть, например "10.0.0.1/24" или "0.0.0.0/0, ::/0"
	PersistentKeepalive int
}

// RenderClientConfig — wg-quick конфиг для клиента тенанта.
func RenderClientConfig(privateKey string, address netip.Prefix, srv ServerParams) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", privateKey)
	fmt.Fprintf(&b, "Address = %s\n", address)
	fmt.Fprintf(&b, "\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", srv.PublicKey)
	if srv.Endpoint != "" {
		fmt.Fprintf(&b, "Endpoint = %s\n", srv.Endpoint)
	}
	if srv.AllowedIPs != "" {
		fmt.Fprintf(&b, "AllowedIPs = %s\n", srv.AllowedIPs)
	}
	if srv.PersistentKeepalive > 0 {
		fmt.Fprintf(&b, "PersistentKeepalive = %d\n", srv.PersistentKeepalive)
	}
	return b.String()
}

// RenderServerPeer — stanza для таблицы пиров демона. Приватного ключа здесь нет и быть не может.
func RenderServerPeer(publicKey string, allowed netip.Prefix) string {
	return fmt.Sprintf("\n[Peer]\nPublicKey = %s\nAllowedIPs = %s\n", publicKey, allowed)
}

// RenderClientQR кодирует клиентский конфиг в PNG для импорта с телефона.
func RenderClientQR(clientConfig string, size int) ([]byte, error) {
	if size <= 0 {
		size = 512
	}
	png, err := qrcode.Encode(clientConfig, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return png, nil
}
