// Package crypto provides the TLS context lifecycle, self-signed identity
// certificate generation, keyprint-pinned verification, the GPA/PAS
// password response and SUDP encryption used by the hub session and peer
// connection layers, per spec §4.J.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base32"
	"encoding/pem"
	"errors"
	"fmt"
	"io/ioutil"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/direct-connect/go-dc/keyprint"
	"github.com/direct-connect/go-dc/tiger"
)

// minTLSVersion and the pinned cipher suite list, per spec §4.J.
var (
	minTLSVersion = tls.VersionTLS12
	cipherSuites  = []uint16{
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	}
)

// VerifyPolicy is pinned as opaque per-session state on the TLS config's
// VerifyPeerCertificate callback: if ExpectedKeyprint matches the SHA-256
// of the leaf cert DER, accept; otherwise fall through to AllowUntrusted.
type VerifyPolicy struct {
	AllowUntrusted   bool
	ExpectedKeyprint string
}

// PeerVerifier builds a VerifyPeerCertificate callback implementing the
// policy above.
func (p VerifyPolicy) PeerVerifier() func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("crypto: no peer certificate presented")
		}
		leaf := rawCerts[0]
		if p.ExpectedKeyprint != "" {
			if keyprint.FromBytes(leaf) == p.ExpectedKeyprint {
				return nil
			}
			if !p.AllowUntrusted {
				return fmt.Errorf("crypto: keyprint mismatch: want %s", p.ExpectedKeyprint)
			}
		}
		if p.AllowUntrusted {
			return nil
		}
		cert, err := x509.ParseCertificate(leaf)
		if err != nil {
			return err
		}
		_, err = cert.Verify(x509.VerifyOptions{})
		return err
	}
}

// ClientConfig builds the shared client-side TLS config, skipping the
// stock chain check in favor of VerifyPeerCertificate so keyprint pinning
// can run instead.
func ClientConfig(policy VerifyPolicy) *tls.Config {
	return &tls.Config{
		MinVersion:            uint16(minTLSVersion),
		CipherSuites:          cipherSuites,
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: policy.PeerVerifier(),
	}
}

// ServerConfig builds the shared server-side TLS config around a
// generated or loaded identity certificate.
func ServerConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		MinVersion:   uint16(minTLSVersion),
		CipherSuites: cipherSuites,
		Certificates: []tls.Certificate{cert},
	}
}

// Identity is our own self-signed TLS identity: the certificate, its
// keyprint, and the backing key pair.
type Identity struct {
	Cert     tls.Certificate
	Keyprint string
}

// GenerateIdentity creates a fresh RSA-2048 self-signed certificate with
// CN = cn (the own CID base32 string), serial = 64 random bits, and 360
// days of validity, per spec §4.J.
func GenerateIdentity(cn string) (*Identity, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	serialLimit := new(big.Int).Lsh(big.NewInt(1), 64)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, fmt.Errorf("crypto: serial: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		SignatureAlgorithm:    x509.SHA256WithRSA,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(360 * 24 * time.Hour),
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("crypto: create cert: %w", err)
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}
	return &Identity{Cert: cert, Keyprint: keyprint.FromBytes(der)}, nil
}

// SaveIdentity persists cert/key PEM files under dir, fsyncing each before
// close, per spec §4.J ("Files are written ... with fsync+ensure-dir").
func SaveIdentity(dir string, id *Identity) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	certPEM := pemEncode("CERTIFICATE", id.Cert.Certificate[0])
	key := id.Cert.PrivateKey.(*rsa.PrivateKey)
	keyPEM := pemEncode("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key))
	if err := writeFsync(filepath.Join(dir, "client.crt"), certPEM); err != nil {
		return err
	}
	return writeFsync(filepath.Join(dir, "client.key"), keyPEM)
}

// LoadIdentity reads back an Identity saved by SaveIdentity, or returns
// os.ErrNotExist (wrapped) if no identity has been persisted under dir yet.
func LoadIdentity(dir string) (*Identity, error) {
	certPEM, err := ioutil.ReadFile(filepath.Join(dir, "client.crt"))
	if err != nil {
		return nil, err
	}
	keyPEM, err := ioutil.ReadFile(filepath.Join(dir, "client.key"))
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("crypto: load identity: %w", err)
	}
	der := cert.Certificate[0]
	return &Identity{Cert: cert, Keyprint: keyprint.FromBytes(der)}, nil
}

func writeFsync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}

// GpaResponse computes the PAS response to a GPA challenge: base32(Tiger(
// password || salt)); legacyCID, if non-empty, is prefixed to the password
// bytes for hubs lacking TIGR, per spec §4.D.
func GpaResponse(password string, salt []byte, legacyCID []byte) string {
	buf := make([]byte, 0, len(legacyCID)+len(password)+len(salt))
	if len(legacyCID) > 0 {
		buf = append(buf, legacyCID...)
	}
	buf = append(buf, []byte(password)...)
	buf = append(buf, salt...)
	h := tiger.HashBytes(buf)
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(h[:])
}

// SUDPEncrypt implements the secure-UDP envelope from spec §4.J: 16 random
// IV bytes prepended to the PKCS#5-padded plaintext, AES-128-CBC encrypted
// with a zero IV register (the random block chains the rest).
func SUDPEncrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	padded := pkcs5Pad(append(iv, plaintext...), aes.BlockSize)
	out := make([]byte, len(padded))
	cbc := cipher.NewCBCEncrypter(block, make([]byte, aes.BlockSize))
	cbc.CryptBlocks(out, padded)
	return out, nil
}

// SUDPDecrypt reverses SUDPEncrypt: it rejects ciphertext that is not
// 16-byte aligned outright, decrypts, strips the leading random block and
// the PKCS#5 padding, and verifies the remainder begins with a printable
// ADC command character.
func SUDPDecrypt(key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.New("crypto: sudp ciphertext not 16-byte aligned")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ciphertext))
	cbc := cipher.NewCBCDecrypter(block, make([]byte, aes.BlockSize))
	cbc.CryptBlocks(out, ciphertext)
	unpadded, err := pkcs5Unpad(out, aes.BlockSize)
	if err != nil {
		return nil, err
	}
	if len(unpadded) < aes.BlockSize {
		return nil, errors.New("crypto: sudp payload too short")
	}
	plain := unpadded[aes.BlockSize:]
	if len(plain) == 0 || !isPrintableADCStart(plain[0]) {
		return nil, errors.New("crypto: sudp payload does not start with a valid ADC command character")
	}
	return plain, nil
}

func isPrintableADCStart(b byte) bool {
	return b >= 'A' && b <= 'Z'
}

func pkcs5Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	pad := make([]byte, n)
	for i := range pad {
		pad[i] = byte(n)
	}
	return append(b, pad...)
}

func pkcs5Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, errors.New("crypto: invalid padded length")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, errors.New("crypto: invalid PKCS#5 padding")
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errors.New("crypto: invalid PKCS#5 padding")
		}
	}
	return b[:len(b)-n], nil
}

func pemEncode(typ string, der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der})
}
