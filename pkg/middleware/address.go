package middleware

import (
	"questledger/pkg/wallet"

	"github.com/gin-gonic/gin"
)

const addressKey = "wallet_address"

// Address validates the :address path parameter and stores the normalised form.
func Address() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr, err := wallet.Normalize(c.Param("address"))
		if err != nil {
			_ = c.Error(err)
			c.Abort()
			return
		}
		c.Set(addressKey, addr)
		c.Next()
	}
}

// GetAddress returns the address stored by Address, or "".
func GetAddress(c *gin.Context) string {
	return c.GetString(addressKey)
}
