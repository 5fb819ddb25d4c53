package tarball

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
)

// WriteChecksum computes the SHA256 of the file at path and writes it next to
// it as <path>.sha256, in the sha256sum text convention.
func WriteChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	content := fmt.Sprintf("%s  %s\n", hex.EncodeToString(h.Sum(nil)), filepath.Base(path))

	sumPath := path + ".sha256"
	if err := os.WriteFile(sumPath, []byte(content), 0644); err != nil {
		return "", err
	}
	return sumPath, nil
}

// SignChecksum clearsigns the checksum file with the ASCII-armored PGP private
// key and writes the result to <sumPath>.asc.
func SignChecksum(sumPath, key string) (string, error) {
	content, err := os.ReadFile(sumPath)
	if err != nil {
		return "", err
	}

	signed, err := signBytes(content, key)
	if err != nil {
		return "", err
	}

	ascPath := sumPath + ".asc"
	if err := os.WriteFile(ascPath, signed, 0644); err != nil {
		return "", err
	}
	return ascPath, nil
}

// signBytes signs the provided input bytes using the provided ASCII-armored
// PGP private key. It returns the signed message in clearsigned format.
func signBytes(input []byte, key string) ([]byte, error) {
	entities, err := openpgp.ReadArmoredKeyRing(strings.NewReader(key))
	if err != nil {
		return nil, err
	}
	var signer *openpgp.Entity
	for _, e := range entities {
		if e.PrivateKey != nil {
			signer = e
			break
		}
	}
	if signer == nil {
		return nil, fmt.Errorf("no private key found")
	}

	var out bytes.Buffer
	w, err := clearsign.Encode(&out, signer.PrivateKey, nil)
	if err != nil {
		return nil, err
	}
	w.Write(input)
	w.Close()
	return out.Bytes(), nil
}
