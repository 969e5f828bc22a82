// Package certs implements the Cert Engine (spec.md §4.1, component C1):
// CA creation/import, client certificate signing, fingerprinting, and
// chain verification. All asymmetric-crypto operations live here; a
// client's private key never crosses this boundary (spec.md §4.1: "takes
// a CLIENT-supplied public key ... never a private key").
package certs

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/kumpeapps/managed-nebula-sub001/pkg/apierr"
	"github.com/kumpeapps/managed-nebula-sub001/pkg/policy"
)

const (
	pemBlockCert       = "CERTIFICATE"
	pemBlockPrivateKey = "PRIVATE KEY"
)

// Engine performs CA and client-certificate crypto operations against a
// policy.Store for persistence.
type Engine struct {
	store *policy.Store
	log   *logrus.Entry
}

// New constructs an Engine backed by store.
func New(store *policy.Store, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.New()
	}
	return &Engine{store: store, log: log.WithField("component", "certs")}
}

// CreateCA mints a new self-signed CA keypair and certificate valid for
// validity starting now, and persists it in the "created" state (not yet
// current) per spec.md §4.1's state machine.
func (e *Engine) CreateCA(name string, validity time.Duration) (*policy.CA, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindValidation, err, "generating CA keypair")
	}

	now := e.store.Now()
	template := &x509.Certificate{
		SerialNumber:          serialFromRandom(),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             now,
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindValidation, err, "self-signing CA certificate")
	}

	pkcs8, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindValidation, err, "marshaling CA private key")
	}

	ca := &policy.CA{
		ID:             newID(),
		Name:           name,
		NotBefore:      now,
		NotAfter:       now.Add(validity),
		PublicCertPEM:  encodePEM(pemBlockCert, der),
		PrivateKeyPEM:  encodePEM(pemBlockPrivateKey, pkcs8),
		CanSign:        false,
		IncludeInChain: false,
		CreatedAt:      now,
	}
	e.store.PutCA(ca)
	return ca, nil
}

// ImportCA stores an externally-issued CA certificate, optionally with its
// private key. Like CreateCA it stores the CA with can_sign=false;
// policy.Store.ActivateCA later sets can_sign whether or not a key was
// imported, and SignClientCert fails for a CA without a usable key.
func (e *Engine) ImportCA(name string, certPEM, keyPEM []byte) (*policy.CA, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, apierr.Validation("import_ca: certPEM is not valid PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindValidation, err, "import_ca: parsing certificate")
	}

	ca := &policy.CA{
		ID:            newID(),
		Name:          name,
		NotBefore:     cert.NotBefore,
		NotAfter:      cert.NotAfter,
		PublicCertPEM: certPEM,
		CreatedAt:     e.store.Now(),
	}
	if len(keyPEM) > 0 {
		keyBlock, _ := pem.Decode(keyPEM)
		if keyBlock == nil {
			return nil, apierr.Validation("import_ca: keyPEM is not valid PEM")
		}
		if _, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes); err != nil {
			return nil, apierr.Wrap(apierr.KindValidation, err, "import_ca: parsing private key")
		}
		ca.PrivateKeyPEM = keyPEM
	}
	e.store.PutCA(ca)
	return ca, nil
}

// Fingerprint computes a stable identifier for a certificate, used as the
// ClientCertificate.serial/fingerprint field (spec.md §3).
func Fingerprint(certPEM []byte) (string, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return "", apierr.Validation("fingerprint: not valid PEM")
	}
	sum := sha256.Sum256(block.Bytes)
	return hex.EncodeToString(sum[:]), nil
}

// SignClientCert signs a leaf certificate binding CommonName, the
// assigned overlay IP, and the group list (as given), against a
// client-supplied public key (spec.md §4.1 Algorithmic contract). Only
// the address part of ipCIDR goes into the certificate; the prefix
// length is not encoded in it. The
// underlying signing call is retried once on failure; persistent failure
// surfaces as apierr.Transient and does not mark the CA inactive.
func (e *Engine) SignClientCert(ca *policy.CA, clientPubKey ed25519.PublicKey, commonName, ipCIDR string, groupNames []string, validity time.Duration) (certPEM []byte, notBefore, notAfter time.Time, err error) {
	if !ca.CanSign {
		return nil, time.Time{}, time.Time{}, apierr.ServiceUnavailable("ca %s cannot sign", ca.Name)
	}

	caKeyBlock, _ := pem.Decode(ca.PrivateKeyPEM)
	if caKeyBlock == nil {
		return nil, time.Time{}, time.Time{}, apierr.Validation("ca %s has no usable private key", ca.Name)
	}
	caKeyAny, err := x509.ParsePKCS8PrivateKey(caKeyBlock.Bytes)
	if err != nil {
		return nil, time.Time{}, time.Time{}, apierr.Wrap(apierr.KindValidation, err, "parsing CA private key")
	}
	caKey, ok := caKeyAny.(ed25519.PrivateKey)
	if !ok {
		return nil, time.Time{}, time.Time{}, apierr.Validation("ca %s private key is not ed25519", ca.Name)
	}
	caCertBlock, _ := pem.Decode(ca.PublicCertPEM)
	if caCertBlock == nil {
		return nil, time.Time{}, time.Time{}, apierr.Validation("ca %s has no usable certificate", ca.Name)
	}
	caCert, err := x509.ParseCertificate(caCertBlock.Bytes)
	if err != nil {
		return nil, time.Time{}, time.Time{}, apierr.Wrap(apierr.KindValidation, err, "parsing CA certificate")
	}

	ip, _, err := net.ParseCIDR(ipCIDR)
	if err != nil {
		return nil, time.Time{}, time.Time{}, apierr.Validation("invalid ip_cidr %q", ipCIDR)
	}

	now := e.store.Now()
	nb, na := now, now.Add(validity)
	template := &x509.Certificate{
		SerialNumber: serialFromRandom(),
		Subject: pkix.Name{
			CommonName:         commonName,
			OrganizationalUnit: append([]string(nil), groupNames...),
		},
		NotBefore:   nb,
		NotAfter:    na,
		IPAddresses: []net.IP{ip},
		KeyUsage:    x509.KeyUsageDigitalSignature,
	}

	var der []byte
	signOnce := func() error {
		var signErr error
		der, signErr = x509.CreateCertificate(rand.Reader, template, caCert, clientPubKey, caKey)
		return signErr
	}

	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(0), 1)
	if retryErr := backoff.Retry(signOnce, bo); retryErr != nil {
		return nil, time.Time{}, time.Time{}, apierr.Wrap(apierr.KindTransient, retryErr, "signing client certificate")
	}

	return encodePEM(pemBlockCert, der), nb, na, nil
}

// VerifyChain verifies certPEM against the given chain of CA certificates
// (spec.md §4.1 "verify_chain(cert, chain)"). It returns nil if the
// certificate verifies against at least one of the chain's CAs.
func VerifyChain(certPEM []byte, chainPEMs [][]byte) error {
	leafBlock, _ := pem.Decode(certPEM)
	if leafBlock == nil {
		return apierr.Validation("verify_chain: leaf is not valid PEM")
	}
	leaf, err := x509.ParseCertificate(leafBlock.Bytes)
	if err != nil {
		return apierr.Wrap(apierr.KindValidation, err, "verify_chain: parsing leaf")
	}

	roots := x509.NewCertPool()
	for _, c := range chainPEMs {
		block, _ := pem.Decode(c)
		if block == nil {
			continue
		}
		ca, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			continue
		}
		roots.AddCert(ca)
	}

	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return apierr.Wrap(apierr.KindValidation, err, "chain verification failed")
	}
	return nil
}

func encodePEM(kind string, der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: kind, Bytes: der})
}
