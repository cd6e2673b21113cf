//go:build !linux

package opengse

import "syscall"

func sysRead(fd int, p []byte) (int, error)  { return 0, ErrUnsupportedPlatform }
func sysWrite(fd int, p []byte) (int, error) { return 0, ErrUnsupportedPlatform }
func sysClose(fd int) error                  { return ErrUnsupportedPlatform }
func isWouldBlock(err error) bool            { return false }
func sysWaitWritable(fd int, msec int) error { return ErrUnsupportedPlatform }

func sysTakeFd(rc syscall.RawConn) (int, error) { return -1, ErrUnsupportedPlatform }
