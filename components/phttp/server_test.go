// Copyright (c) 2017 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package phttp

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"net/http"
	"strings"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/spf13/afero"
	"golang.org/x/net/http2"

	"github.com/yandex/piping/core/rendezvous"
	"github.com/yandex/piping/lib/testutil"
)

const (
	crtPath = "/etc/piping/server.crt"
	keyPath = "/etc/piping/server.key"
)

func newKeyPairPEM() (crt, key []byte) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	Expect(err).NotTo(HaveOccurred())
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	Expect(err).NotTo(HaveOccurred())
	keyDER, err := x509.MarshalECPrivateKey(priv)
	Expect(err).NotTo(HaveOccurred())
	crt = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	key = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return crt, key
}

func newTLSFs() afero.Fs {
	fs := afero.NewMemMapFs()
	crt, key := newKeyPairPEM()
	Expect(afero.WriteFile(fs, crtPath, crt, 0644)).To(Succeed())
	Expect(afero.WriteFile(fs, keyPath, key, 0600)).To(Succeed())
	return fs
}

var _ = Describe("LoadKeyPair", func() {
	It("loads PEM files", func() {
		cert, err := LoadKeyPair(newTLSFs(), crtPath, keyPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(cert.Certificate).To(HaveLen(1))
	})

	It("fails on missing file", func() {
		_, err := LoadKeyPair(afero.NewMemMapFs(), crtPath, keyPath)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("certificate read"))
	})

	It("fails on mismatched key", func() {
		fs := newTLSFs()
		_, otherKey := newKeyPairPEM()
		Expect(afero.WriteFile(fs, keyPath, otherKey, 0600)).To(Succeed())
		_, err := LoadKeyPair(fs, crtPath, keyPath)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Server", func() {
	var (
		r      *relay
		conf   ServerConfig
		fs     afero.Fs
		ctx    context.Context
		cancel context.CancelFunc
	)
	BeforeEach(func() {
		conf = DefaultServerConfig()
		conf.HTTPAddr = "127.0.0.1:0"
		conf.ShutdownTimeout = 3 * time.Second
		fs = afero.NewMemMapFs()
		ctx, cancel = context.WithCancel(context.Background())
	})
	AfterEach(func() {
		cancel()
	})

	start := func() (*Server, <-chan error) {
		log := testutil.NewGinkgoLogger()
		r = newRelay(log, conf.Handler)
		s := NewServer(log, conf, fs, r.handler)
		Expect(s.Listen(ctx)).To(Succeed())
		done := make(chan error, 1)
		go func() { done <- s.Serve(ctx) }()
		return s, done
	}

	waitState := func(path string, state rendezvous.State) {
		Eventually(func() rendezvous.State { return r.registry.State(path) }, testTimeout).Should(Equal(state))
	}

	It("relays between HTTPS HTTP/2 receiver and HTTP sender", func() {
		fs = newTLSFs()
		conf.HTTPS = HTTPSConfig{Enabled: true, Addr: "127.0.0.1:0", KeyPath: keyPath, CrtPath: crtPath}
		s, done := start()
		Expect(s.HTTPSAddr()).NotTo(BeNil())

		h2 := &http.Client{Transport: &http2.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}}
		received := do(h2, newRequest("GET", "https://"+s.HTTPSAddr().String()+"/h2", nil))
		waitState("/h2", rendezvous.Pending)

		sent := do(http.DefaultClient, newRequest("POST", "http://"+s.HTTPAddr().String()+"/h2", strings.NewReader("over h2")))
		rec := receive(received)
		Expect(rec.res.ProtoMajor).To(Equal(2))
		Expect(rec.body).To(Equal("over h2"))
		Expect(rec.res.ContentLength).To(Equal(int64(7)))
		Expect(receive(sent).body).To(ContainSubstring("[INFO] All receiver(s) was/were received successfully.\n"))

		cancel()
		Eventually(done, testTimeout).Should(Receive(BeNil()))
	})

	It("serves cleartext HTTP/2", func() {
		s, done := start()
		h2c := &http.Client{Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		}}
		url := "http://" + s.HTTPAddr().String() + "/h2c"
		received := do(h2c, newRequest("GET", url, nil))
		waitState("/h2c", rendezvous.Pending)
		sent := do(h2c, newRequest("PUT", url, strings.NewReader("cleartext")))

		rec := receive(received)
		Expect(rec.res.ProtoMajor).To(Equal(2))
		Expect(rec.body).To(Equal("cleartext"))
		snd := receive(sent)
		Expect(snd.res.ProtoMajor).To(Equal(2))
		Expect(snd.body).To(HavePrefix("[INFO] Waiting for 1 receiver(s)...\n"))

		cancel()
		Eventually(done, testTimeout).Should(Receive(BeNil()))
	})

	It("aborts pending connections on stop", func() {
		s, done := start()
		received := do(http.DefaultClient, newRequest("GET", "http://"+s.HTTPAddr().String()+"/pending", nil))
		waitState("/pending", rendezvous.Pending)

		cancel()
		Eventually(done, testTimeout).Should(Receive(BeNil()))
		var res result
		Eventually(received, testTimeout).Should(Receive(&res))
		Expect(res.err).To(HaveOccurred())
		Expect(r.registry.State("/pending")).To(Equal(rendezvous.Absent))
	})

	It("fails to listen https without key pair", func() {
		conf.HTTPS = HTTPSConfig{Enabled: true, Addr: "127.0.0.1:0"}
		s := NewServer(testutil.NewGinkgoLogger(), conf, fs, http.NotFoundHandler())
		err := s.Listen(ctx)
		Expect(err).To(HaveOccurred())
		Expect(s.HTTPAddr()).To(BeNil())
	})

	It("fails to listen busy address", func() {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		defer l.Close()
		conf.HTTPAddr = l.Addr().String()
		s := NewServer(testutil.NewGinkgoLogger(), conf, fs, http.NotFoundHandler())
		Expect(s.Serve(ctx)).To(HaveOccurred())
	})
})
