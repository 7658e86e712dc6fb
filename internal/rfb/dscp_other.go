//go:build !unix

package rfb

import (
	"errors"
	"net"
)

func setDSCP(conn net.Conn, dscp int) error {
	return errors.New("rfb: DSCP marking not supported on this platform")
}
