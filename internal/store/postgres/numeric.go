package postgres

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/futarchy/internal/domain"
)

// Decimals travel as text and are cast to NUMERIC in SQL, so no precision
// is lost in either direction.
func num(d decimal.Decimal) string {
	return d.String()
}

func parseNum(col, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: column %s: %w", col, err)
	}
	return d, nil
}

// numScan collects text-scanned NUMERIC columns and parses them in one go.
type numScan struct {
	dst []*decimal.Decimal
	raw []*string
	col []string
}

func (n *numScan) add(col string, dst *decimal.Decimal) *string {
	n.dst = append(n.dst, dst)
	n.col = append(n.col, col)
	s := new(string)
	n.raw = append(n.raw, s)
	return s
}

func (n *numScan) parse() error {
	for i, dst := range n.dst {
		d, err := parseNum(n.col[i], *n.raw[i])
		if err != nil {
			return err
		}
		*dst = d
	}
	return nil
}

func parseAddress(col, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("postgres: column %s: bad address %q: %w", col, s, domain.ErrValidation)
	}
	return common.HexToAddress(s), nil
}
