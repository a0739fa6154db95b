//go:build !unix

package proxy

func replyForErrno(error) (byte, bool) {
	return 0, false
}
