package state

import (
	"fmt"
	"strings"
)

var (
	paramPrefix          = []byte("params/")
	marginPositionFormat = "margin/position/%s/"
	marginAccountsFormat = "margin/accounts/%s"
)

func paramKey(name string) []byte {
	return append(append([]byte(nil), paramPrefix...), []byte(name)...)
}

func normalizeAssetKey(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

func marginPositionKey(asset string, addr []byte) []byte {
	prefix := fmt.Sprintf(marginPositionFormat, normalizeAssetKey(asset))
	return append([]byte(prefix), addr...)
}

func marginAccountsKey(asset string) []byte {
	return []byte(fmt.Sprintf(marginAccountsFormat, normalizeAssetKey(asset)))
}
