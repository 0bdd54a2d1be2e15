package setup

import (
	"crypto/sha512"
	"encoding/base64"
	"strconv"
	"strings"
)

const (
	FlagNFC = 1
	FlagIP  = 2
	FlagBLE = 4
	FlagWAC = 8 // Wireless Accessory Configuration (WAC)/Apples MFi
)

func GenerateSetupURI(category, pin, setupID string) string {
	c, _ := strconv.Atoi(category)
	p, _ := strconv.Atoi(strings.ReplaceAll(pin, "-", ""))
	payload := int64(c&0xFF)<<31 | int64(FlagIP&0xF)<<27 | int64(p&0x7FFFFFF)
	return "X-HM://" + FormatInt36(payload, 9) + setupID
}

// Hash computes the mDNS "sh" TXT value: the first 4 bytes of
// SHA-512(setupID + deviceID), base64-encoded, letting a controller that
// already scanned a setup code confirm it found the right accessory over
// mDNS before attempting pair-verify.
func Hash(setupID, deviceID string) string {
	sum := sha512.Sum512([]byte(setupID + deviceID))
	return base64.StdEncoding.EncodeToString(sum[:4])
}

// FormatInt36 equal to strings.ToUpper(fmt.Sprintf("%0"+strconv.Itoa(n)+"s", strconv.FormatInt(value, 36)))
func FormatInt36(value int64, n int) string {
	b := make([]byte, n)
	for i := n - 1; 0 <= i; i-- {
		b[i] = digits[value%36]
		value /= 36
	}
	return string(b)
}

const digits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
