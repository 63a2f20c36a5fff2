// Copyright (c) 2017 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package phttp

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/yandex/piping/components/pages"
	"github.com/yandex/piping/core/rendezvous"
	"github.com/yandex/piping/core/transfer"
	"github.com/yandex/piping/lib/testutil"
)

const testTimeout = 5 * time.Second

type relay struct {
	registry *rendezvous.Registry
	metrics  HandlerMetrics
	handler  *Handler
}

func newRelay(log *zap.Logger, conf HandlerConfig) *relay {
	registry := rendezvous.NewRegistry(log, rendezvous.NewMetrics(""))
	engine := transfer.New(log, transfer.DefaultConfig(), registry, transfer.NewMetrics(""))
	controller := rendezvous.NewController(log, registry, engine)
	metrics := NewHandlerMetrics("")
	return &relay{
		registry: registry,
		metrics:  metrics,
		handler:  NewHandler(log, conf, controller, pages.NewRenderer("0.0.1"), metrics),
	}
}

type result struct {
	res  *http.Response
	body string
	err  error
}

// do sends request in background and reads whole response body.
func do(client *http.Client, req *http.Request) <-chan result {
	ch := make(chan result, 1)
	go func() {
		res, err := client.Do(req)
		if err != nil {
			ch <- result{err: err}
			return
		}
		defer res.Body.Close()
		data, err := io.ReadAll(res.Body)
		ch <- result{res: res, body: string(data), err: err}
	}()
	return ch
}

func receive(ch <-chan result) result {
	var r result
	Eventually(ch, testTimeout).Should(Receive(&r))
	Expect(r.err).NotTo(HaveOccurred())
	return r
}

func newRequest(method, url string, body io.Reader) *http.Request {
	req, err := http.NewRequest(method, url, body)
	Expect(err).NotTo(HaveOccurred())
	return req
}

var _ = Describe("Handler", func() {
	var (
		r      *relay
		server *httptest.Server
		client *http.Client
	)
	BeforeEach(func() {
		r = newRelay(testutil.NewGinkgoLogger(), DefaultHandlerConfig())
		server = httptest.NewServer(r.handler)
		client = server.Client()
	})
	AfterEach(func() {
		server.Close()
	})

	url := func(path string) string { return server.URL + path }

	waitState := func(path string, state rendezvous.State) {
		Eventually(func() rendezvous.State { return r.registry.State(path) }, testTimeout).Should(Equal(state))
	}

	expectRejected := func(req *http.Request, status int, message string) *http.Response {
		res := receive(do(client, req))
		Expect(res.res.StatusCode).To(Equal(status))
		Expect(res.res.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		Expect(res.body).To(Equal("[ERROR] " + message + "\n"))
		return res.res
	}

	It("relays body from sender to receiver", func() {
		received := do(client, newRequest("GET", url("/x?n=1"), nil))
		waitState("/x", rendezvous.Pending)

		sent := do(client, newRequest("POST", url("/x?n=1"), strings.NewReader("abc")))

		rec := receive(received)
		Expect(rec.res.StatusCode).To(Equal(http.StatusOK))
		Expect(rec.body).To(Equal("abc"))
		Expect(rec.res.ContentLength).To(Equal(int64(3)))
		Expect(rec.res.Header.Get("X-Robots-Tag")).To(Equal("none"))
		Expect(rec.res.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))

		snd := receive(sent)
		Expect(snd.res.StatusCode).To(Equal(http.StatusOK))
		Expect(snd.body).To(Equal(
			"[INFO] Waiting for 1 receiver(s)...\n" +
				"[INFO] 1 receiver(s) has/have been connected.\n" +
				"[INFO] Start sending to 1 receiver(s)!\n" +
				"[INFO] Sent successfully!\n" +
				"[INFO] All receiver(s) was/were received successfully.\n"))
		waitState("/x", rendezvous.Absent)
	})

	It("sender may join first with default n", func() {
		sent := do(client, newRequest("PUT", url("/default"), strings.NewReader("hello")))
		waitState("/default", rendezvous.Pending)
		rec := receive(do(client, newRequest("GET", url("/default"), nil)))
		Expect(rec.body).To(Equal("hello"))
		Expect(receive(sent).body).To(HavePrefix(
			"[INFO] Waiting for 1 receiver(s)...\n" +
				"[INFO] A receiver was connected.\n" +
				"[INFO] Start sending to 1 receiver(s)!\n"))
	})

	It("forwards metadata headers", func() {
		received := do(client, newRequest("GET", url("/meta"), nil))
		waitState("/meta", rendezvous.Pending)

		req := newRequest("POST", url("/meta"), strings.NewReader("<b>hi</b>"))
		req.Header.Set("Content-Type", "text/html; charset=utf-8")
		req.Header.Set("Content-Disposition", `attachment; filename="hi.html"`)
		req.Header.Add("X-Piping", "first")
		req.Header.Add("X-Piping", "second")
		sent := do(client, req)

		rec := receive(received)
		Expect(rec.body).To(Equal("<b>hi</b>"))
		h := rec.res.Header
		Expect(h.Get("Content-Type")).To(Equal("text/plain; charset=utf-8"))
		Expect(h.Get("Content-Disposition")).To(Equal(`attachment; filename="hi.html"`))
		Expect(h.Values("X-Piping")).To(Equal([]string{"first", "second"}))
		Expect(h.Get("Access-Control-Expose-Headers")).To(Equal("X-Piping"))
		receive(sent)
	})

	It("relays first part of multipart body", func() {
		received := do(client, newRequest("GET", url("/form"), nil))
		waitState("/form", rendezvous.Pending)

		body := &bytes.Buffer{}
		mw := multipart.NewWriter(body)
		ph := textproto.MIMEHeader{}
		ph.Set("Content-Disposition", `form-data; name="input_file"; filename="a.txt"`)
		ph.Set("Content-Type", "text/plain")
		part, err := mw.CreatePart(ph)
		Expect(err).NotTo(HaveOccurred())
		_, _ = part.Write([]byte("file content"))
		second, err := mw.CreateFormField("other")
		Expect(err).NotTo(HaveOccurred())
		_, _ = second.Write([]byte("ignored"))
		Expect(mw.Close()).To(Succeed())

		req := newRequest("POST", url("/form"), body)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		sent := do(client, req)

		rec := receive(received)
		Expect(rec.body).To(Equal("file content"))
		Expect(rec.res.Header.Get("Content-Type")).To(Equal("text/plain"))
		Expect(rec.res.Header.Get("Content-Disposition")).To(Equal(`form-data; name="input_file"; filename="a.txt"`))
		receive(sent)
	})

	It("streams to many receivers and rejects late receiver", func() {
		first := do(client, newRequest("GET", url("/many?n=2"), nil))
		second := do(client, newRequest("GET", url("/many?n=2"), nil))
		Eventually(func() int {
			pending, _ := r.registry.Len()
			return pending
		}, testTimeout).Should(Equal(1))

		pr, pw := io.Pipe()
		sent := do(client, newRequest("POST", url("/many?n=2"), pr))
		waitState("/many", rendezvous.Established)

		expectRejected(newRequest("GET", url("/many?n=2"), nil),
			http.StatusBadRequest, "Connection on '/many' has been established already.")

		_, err := pw.Write([]byte("abc"))
		Expect(err).NotTo(HaveOccurred())
		Expect(pw.Close()).To(Succeed())

		Expect(receive(first).body).To(Equal("abc"))
		Expect(receive(second).body).To(Equal("abc"))
		Expect(receive(sent).body).To(ContainSubstring("[INFO] Start sending to 2 receiver(s)!\n"))
		waitState("/many", rendezvous.Absent)
	})

	It("rejects second sender", func() {
		pr, pw := io.Pipe()
		sent := do(client, newRequest("POST", url("/dup"), pr))
		waitState("/dup", rendezvous.Pending)

		expectRejected(newRequest("POST", url("/dup"), strings.NewReader("other")),
			http.StatusBadRequest, "Another sender has been connected on '/dup'.")
		Expect(r.registry.State("/dup")).To(Equal(rendezvous.Pending))

		received := do(client, newRequest("GET", url("/dup"), nil))
		_, _ = pw.Write([]byte("original"))
		Expect(pw.Close()).To(Succeed())
		Expect(receive(received).body).To(Equal("original"))
		receive(sent)
	})

	It("rejects receiver count mismatch", func() {
		received := do(client, newRequest("GET", url("/count?n=2"), nil))
		waitState("/count", rendezvous.Pending)
		expectRejected(newRequest("POST", url("/count?n=3"), strings.NewReader("x")),
			http.StatusBadRequest, "The number of receivers should be 2 but 3.")
		Expect(r.registry.State("/count")).To(Equal(rendezvous.Pending))

		received2 := do(client, newRequest("GET", url("/count?n=2"), nil))
		sent := do(client, newRequest("POST", url("/count?n=2"), strings.NewReader("x")))
		Expect(receive(received).body).To(Equal("x"))
		Expect(receive(received2).body).To(Equal("x"))
		receive(sent)
	})

	It("frees path when pending receiver disconnects", func() {
		ctx, cancel := context.WithCancel(context.Background())
		received := do(client, newRequest("GET", url("/gone"), nil).WithContext(ctx))
		waitState("/gone", rendezvous.Pending)
		cancel()
		waitState("/gone", rendezvous.Absent)
		var res result
		Eventually(received, testTimeout).Should(Receive(&res))
		Expect(res.err).To(HaveOccurred())

		received = do(client, newRequest("GET", url("/gone"), nil))
		waitState("/gone", rendezvous.Pending)
		sent := do(client, newRequest("POST", url("/gone"), strings.NewReader("again")))
		Expect(receive(received).body).To(Equal("again"))
		receive(sent)
	})

	DescribeTable("invalid receiver count",
		func(query, message string) {
			expectRejected(newRequest("POST", url("/n"+query), strings.NewReader("x")), http.StatusBadRequest, message)
			expectRejected(newRequest("GET", url("/n"+query), nil), http.StatusBadRequest, message)
			Expect(r.registry.State("/n")).To(Equal(rendezvous.Absent))
		},
		Entry("zero", "?n=0", "n should > 0, but n = 0."),
		Entry("negative", "?n=-1", "n should > 0, but n = -1."),
		Entry("not a number", "?n=abc", `Invalid "n" query parameter: "abc"`),
	)

	It("rejects send to reserved path", func() {
		expectRejected(newRequest("POST", url("/help"), strings.NewReader("x")),
			http.StatusBadRequest, "Cannot send to the reserved path '/help'. (e.g. '/mypath123')")
		Expect(r.metrics.Rejected.Get()).To(Equal(int64(1)))
	})

	It("rejects Content-Range", func() {
		req := newRequest("PUT", url("/range"), strings.NewReader("x"))
		req.Header.Set("Content-Range", "bytes 0-0/10")
		expectRejected(req, http.StatusBadRequest, "Content-Range is not supported for now in PUT")
	})

	It("rejects service worker registration", func() {
		req := newRequest("GET", url("/sw.js"), nil)
		req.Header.Set("Service-Worker", "script")
		expectRejected(req, http.StatusBadRequest, "Service Worker registration is rejected.")
		Expect(r.registry.State("/sw.js")).To(Equal(rendezvous.Absent))
	})

	It("rejects unsupported method", func() {
		res := expectRejected(newRequest("DELETE", url("/x"), nil),
			http.StatusMethodNotAllowed, "Unsupported method: DELETE.")
		Expect(res.Header.Get("Allow")).To(Equal("GET, HEAD, POST, PUT, OPTIONS"))
	})

	It("rejects HEAD on pipe path", func() {
		res := receive(do(client, newRequest("HEAD", url("/x"), nil)))
		Expect(res.res.StatusCode).To(Equal(http.StatusMethodNotAllowed))
		Expect(r.registry.State("/x")).To(Equal(rendezvous.Absent))
	})

	It("answers CORS preflight", func() {
		res := receive(do(client, newRequest("OPTIONS", url("/x"), nil)))
		Expect(res.res.StatusCode).To(Equal(http.StatusOK))
		h := res.res.Header
		Expect(h.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		Expect(h.Get("Access-Control-Allow-Methods")).To(Equal("GET, HEAD, POST, PUT, OPTIONS"))
		Expect(h.Get("Access-Control-Allow-Headers")).To(Equal("Content-Type, Content-Disposition, X-Piping"))
		Expect(h.Get("Access-Control-Max-Age")).To(Equal("86400"))
		Expect(res.body).To(BeEmpty())
	})

	It("serves reserved pages", func() {
		res := receive(do(client, newRequest("GET", url("/version"), nil)))
		Expect(res.body).To(Equal("0.0.1\n"))

		req := newRequest("GET", url("/help"), nil)
		req.Header.Set("X-Forwarded-Proto", "https")
		res = receive(do(client, req))
		Expect(res.body).To(ContainSubstring("curl https://" + server.Listener.Addr().String() + "/mypath\n"))

		res = receive(do(client, newRequest("HEAD", url("/version"), nil)))
		Expect(res.res.StatusCode).To(Equal(http.StatusOK))
		Expect(res.res.ContentLength).To(Equal(int64(6)))
		Expect(res.body).To(BeEmpty())
	})

	It("sends HTTP/1.0 response with Content-Length", func() {
		conn, err := net.Dial("tcp", server.Listener.Addr().String())
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()
		Expect(conn.SetDeadline(time.Now().Add(testTimeout))).To(Succeed())
		_, err = io.WriteString(conn, "GET /old HTTP/1.0\r\nHost: relay\r\n\r\n")
		Expect(err).NotTo(HaveOccurred())
		waitState("/old", rendezvous.Pending)

		sent := do(client, newRequest("POST", url("/old"), strings.NewReader("abc")))
		raw, err := io.ReadAll(conn)
		Expect(err).NotTo(HaveOccurred())
		response := string(raw)
		Expect(response).To(HavePrefix("HTTP/1.0 200 OK\r\n"))
		Expect(response).To(ContainSubstring("Content-Length: 3\r\n"))
		Expect(response).NotTo(ContainSubstring("chunked"))
		Expect(response).To(HaveSuffix("\r\n\r\nabc"))
		receive(sent)
	})
})

var _ = Describe("BaseURL", func() {
	It("uses configured base url", func() {
		h := &Handler{conf: HandlerConfig{BaseURL: "https://piping.example.com/"}}
		Expect(h.baseURL(httptest.NewRequest("GET", "/help", nil))).To(Equal("https://piping.example.com"))
	})

	DescribeTable("derives from request",
		func(forwarded string, isTLS bool, expected string) {
			req := httptest.NewRequest("GET", "http://relay:8080/help", nil)
			req.TLS = nil
			if isTLS {
				req.TLS = &tls.ConnectionState{}
			}
			if forwarded != "" {
				req.Header.Set("X-Forwarded-Proto", forwarded)
			}
			Expect(BaseURL(req)).To(Equal(expected))
		},
		Entry("plain", "", false, "http://relay:8080"),
		Entry("forwarded https", "https", false, "https://relay:8080"),
		Entry("forwarded list", "http,https", false, "https://relay:8080"),
		Entry("tls", "", true, "https://relay:8080"),
	)
})
