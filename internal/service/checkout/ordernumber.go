package checkout

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// NewOrderNumber возвращает номер вида ORD-1A2B3C4D из криптографически случайных байтов.
func NewOrderNumber() (string, error) {
	return orderNumberFrom(rand.Reader)
}

func orderNumberFrom(r io.Reader) (string, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return domain.OrderNumberPrefix + strings.ToUpper(hex.EncodeToString(buf[:])), nil
}
