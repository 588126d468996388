package opcua

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

func certFile(pkiDir string) string { return filepath.Join(pkiDir, "server.crt") }
func keyFile(pkiDir string) string  { return filepath.Join(pkiDir, "server.key") }

// ensurePKI creates a self-signed certificate pair under pkiDir unless one
// already exists.
func ensurePKI(pkiDir, appName, host string, additionalHosts []string) error {
	if _, err := os.Stat(certFile(pkiDir)); !os.IsNotExist(err) {
		return nil
	}
	if err := os.MkdirAll(pkiDir, os.ModeDir|0755); err != nil {
		return errors.Wrap(err, "creating pki directory")
	}
	return createSelfSignedCertificate(pkiDir, appName, host, additionalHosts)
}

func createSelfSignedCertificate(pkiDir, appName, host string, additionalHosts []string) error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return errors.Wrap(err, "generating key pair")
	}

	// local ip for the SAN list
	var ipAddresses []net.IP
	if conn, err := net.Dial("udp", "8.8.8.8:53"); err == nil {
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			ipAddresses = append(ipAddresses, addr.IP)
		}
		conn.Close()
	}

	applicationURI, _ := url.Parse(fmt.Sprintf("urn:%s:%s", host, appName))
	serialNumber, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	subjectKeyHash := sha1.New()
	subjectKeyHash.Write(key.PublicKey.N.Bytes())
	subjectKeyID := subjectKeyHash.Sum(nil)

	dnsNames := append([]string{host}, additionalHosts...)
	uris := []*url.URL{applicationURI}
	for _, h := range additionalHosts {
		if u, e := url.Parse(fmt.Sprintf("urn:%s:%s", h, appName)); e == nil {
			uris = append(uris, u)
		}
	}

	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: appName},
		SubjectKeyId:          subjectKeyID,
		AuthorityKeyId:        subjectKeyID,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment | x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              dnsNames,
		IPAddresses:           ipAddresses,
		URIs:                  uris,
	}

	rawCrt, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return errors.Wrap(err, "creating certificate")
	}

	f, err := os.Create(certFile(pkiDir))
	if err != nil {
		return err
	}
	if err := pem.Encode(f, &pem.Block{Type: "CERTIFICATE", Bytes: rawCrt}); err != nil {
		f.Close()
		return err
	}
	f.Close()

	f, err = os.Create(keyFile(pkiDir))
	if err != nil {
		return err
	}
	if err := pem.Encode(f, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
