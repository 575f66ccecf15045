package shared

import "fmt"

// RevokedTokenKey builds the redis key marking a token id as revoked.
func RevokedTokenKey(jti string) string {
	return fmt.Sprintf("auth:token:%s:revoked", jti)
}
