// Package di contains dependency injection tokens for the connection context.
package di

import (
	"github.com/fd1az/chain-connector/business/connection/app"
	"github.com/fd1az/chain-connector/business/connection/domain"
	"github.com/fd1az/chain-connector/internal/di"
)

// Public service tokens - exposed to other modules
var (
	Registry = di.NewToken[*app.Registry]("connection.Registry")
)

// Private dependency tokens - internal to connection module
var (
	Dialer     = di.NewToken[app.Dialer]("connection:dialer")
	HeadSource = di.NewToken[app.HeadSource]("connection:heads")
	Networks   = di.NewToken[*domain.NetworkRegistry]("connection:networks")
)

func GetRegistry(c di.ServiceRegistry) *app.Registry {
	return di.GetToken(c, Registry)
}

func GetDialer(c di.ServiceRegistry) app.Dialer {
	return di.GetToken(c, Dialer)
}

func GetHeadSource(c di.ServiceRegistry) app.HeadSource {
	return di.GetToken(c, HeadSource)
}

func GetNetworks(c di.ServiceRegistry) *domain.NetworkRegistry {
	return di.GetToken(c, Networks)
}
