//go:build !unix

package codecache

func mapArena(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapArena([]byte) error {
	return nil
}

func protectArena([]byte, bool) error {
	return nil
}
