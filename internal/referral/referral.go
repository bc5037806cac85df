// Package referral computes referral rewards and issues referral codes.
package referral

import (
	"crypto/rand"
	"errors"
	"math/big"
	"strings"
)

type EntityType string

const (
	Tag            EntityType = "TAG"
	Philanthropist EntityType = "PHILANTHROPIST"
	Organization   EntityType = "ORGANIZATION"
	Merchant       EntityType = "MERCHANT"
)

// DefaultReward is paid for any pair absent from the reward table.
const DefaultReward int64 = 1000

var ErrUnknownEntityType = errors.New("unknown entity type")

type pair struct {
	a, b EntityType
}

// Rewards in minor units. Lookup is order independent.
var rewards = map[pair]int64{
	{Tag, Tag}:                       1000,
	{Tag, Philanthropist}:            2000,
	{Tag, Organization}:              2500,
	{Tag, Merchant}:                  1500,
	{Philanthropist, Philanthropist}: 2500,
	{Philanthropist, Organization}:   5000,
	{Philanthropist, Merchant}:       3000,
	{Organization, Organization}:     5000,
	{Organization, Merchant}:         4000,
}

// Reward returns the amount credited to the referrer when referrer brings in
// referred.
func Reward(referrer, referred EntityType) int64 {
	if amount, ok := rewards[pair{referrer, referred}]; ok {
		return amount
	}
	if amount, ok := rewards[pair{referred, referrer}]; ok {
		return amount
	}
	return DefaultReward
}

func ParseEntityType(raw string) (EntityType, error) {
	switch t := EntityType(strings.ToUpper(strings.TrimSpace(raw))); t {
	case Tag, Philanthropist, Organization, Merchant:
		return t, nil
	case "BENEFICIARY_TAG":
		return Tag, nil
	case "MERCHANT_OUTLET":
		return Merchant, nil
	default:
		return "", ErrUnknownEntityType
	}
}

// Prefix is the code prefix issued for each entity type.
func Prefix(t EntityType) string {
	switch t {
	case Philanthropist:
		return "PHIL"
	case Organization:
		return "ORG"
	case Merchant:
		return "SHOP"
	default:
		return "TAG"
	}
}

// Unambiguous upper case alphabet: no 0/O or 1/I.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const codeLength = 6

// GenerateCode returns prefix followed by random characters, e.g. PHIL7K2QX9.
func GenerateCode(prefix string) (string, error) {
	var b strings.Builder
	b.WriteString(strings.ToUpper(prefix))
	max := big.NewInt(int64(len(codeAlphabet)))
	for range codeLength {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}
