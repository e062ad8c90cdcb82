package signalr

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func buildScenarioHub(factory *testingWebsocketFactory, configure func(*HubConnectionBuilder)) HubConnection {
	builder := NewHubConnectionBuilder().
		WithURL("http://testing/hub").
		SkipNegotiation().
		WithWebsocketFactory(factory.factory()).
		WithLogger(io.Discard, TraceLevelNone).
		WithHandshakeTimeout(time.Second)
	if configure != nil {
		configure(builder)
	}
	hub, err := builder.Build()
	Expect(err).NotTo(HaveOccurred())
	return hub
}

var _ = Describe("HubConnection", func() {

	Context("when the server behaves", func() {
		It("negotiates, connects and delivers an invocation result", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"connectionId":"c1","negotiateVersion":1,"availableTransports":[{"transport":"WebSockets","transferFormats":["Text","Binary"]}]}`))
			}))
			defer server.Close()

			factory := newTestingWebsocketFactory(true)
			hub, err := NewHubConnectionBuilder().
				WithURL(server.URL).
				WithWebsocketFactory(factory.factory()).
				WithLogger(io.Discard, TraceLevelNone).
				Build()
			Expect(err).NotTo(HaveOccurred())

			Expect(hub.Start()).To(Succeed())
			defer func() { _ = hub.Stop() }()
			Expect(hub.State()).To(Equal(Connected))
			Expect(hub.ConnectionID()).To(Equal("c1"))

			respondToInvocations(factory.lastClient(), func(invocation jsonInvocationMessage) string {
				return fmt.Sprintf("{\"type\":3,\"invocationId\":%q,\"result\":5}\x1e", invocation.InvocationID)
			})

			var result InvokeResult
			Eventually(hub.Invoke("Add", 2, 3), "2s").Should(Receive(&result))
			Expect(result.Error).NotTo(HaveOccurred())
			Expect(result.Value).To(Equal(float64(5)))
		})

		It("dispatches a server invocation to the registered handler exactly once", func() {
			factory := newTestingWebsocketFactory(true)
			hub := buildScenarioHub(factory, nil)

			received := make(chan []interface{}, 2)
			Expect(hub.On("Echo", func(arguments []interface{}) { received <- arguments })).To(Succeed())
			Expect(hub.Start()).To(Succeed())
			defer func() { _ = hub.Stop() }()

			factory.lastClient().serverSend([]byte("{\"type\":1,\"target\":\"Echo\",\"arguments\":[\"hi\"]}\x1e"))

			var arguments []interface{}
			Eventually(received, "2s").Should(Receive(&arguments))
			Expect(arguments).To(Equal([]interface{}{"hi"}))
			Consistently(received, "300ms").ShouldNot(Receive())
		})

		It("reassembles frames split across transport events", func() {
			factory := newTestingWebsocketFactory(true)
			hub := buildScenarioHub(factory, nil)

			received := make(chan []interface{}, 2)
			Expect(hub.On("X", func(arguments []interface{}) { received <- arguments })).To(Succeed())
			Expect(hub.Start()).To(Succeed())
			defer func() { _ = hub.Stop() }()

			client := factory.lastClient()
			client.serverSend([]byte("{\"type\":6}"))
			client.serverSend([]byte("\x1e{\"type\":1,\"target\":\"X\""))
			client.serverSend([]byte(",\"arguments\":[]}\x1e"))

			var arguments []interface{}
			Eventually(received, "2s").Should(Receive(&arguments))
			Expect(arguments).To(BeEmpty())
			Expect(hub.State()).To(Equal(Connected))
		})
	})

	Context("when the server rejects the handshake", func() {
		It("fails start and ends up disconnected", func() {
			factory := newTestingWebsocketFactory(true)
			factory.handshake = []byte("{\"error\":\"bad protocol\"}\x1e")
			hub := buildScenarioHub(factory, nil)

			err := hub.Start()
			var handshakeErr *HandshakeError
			Expect(errors.As(err, &handshakeErr)).To(BeTrue())
			Expect(handshakeErr.Reason).To(Equal("bad protocol"))
			Expect(hub.State()).To(Equal(Disconnected))
		})
	})

	Context("when the server goes silent", func() {
		It("stops with a server timeout and reconnects when configured", func() {
			factory := newTestingWebsocketFactory(true)
			hub := buildScenarioHub(factory, func(b *HubConnectionBuilder) {
				b.WithServerTimeout(300 * time.Millisecond).
					WithKeepAliveInterval(10 * time.Second).
					WithAutomaticReconnect(0)
			})

			disconnected := make(chan error, 1)
			hub.SetDisconnected(func(err error) {
				select {
				case disconnected <- err:
				default:
				}
			})
			Expect(hub.Start()).To(Succeed())
			defer func() { _ = hub.Stop() }()

			var err error
			Eventually(disconnected, "5s").Should(Receive(&err))
			var timeoutErr *ServerTimeoutError
			Expect(errors.As(err, &timeoutErr)).To(BeTrue())

			// a reconnect attempt follows after the first backoff delay
			Eventually(factory.clientCount, "5s").Should(BeNumerically(">=", 2))
			Eventually(hub.State, "5s").Should(Equal(Connected))
		})
	})

	Context("when the transport keeps failing", func() {
		It("retries with the configured backoff and gives up after max attempts", func() {
			factory := newTestingWebsocketFactory(true)
			hub := buildScenarioHub(factory, func(b *HubConnectionBuilder) {
				b.WithAutomaticReconnect(0, 300*time.Millisecond).
					WithMaxReconnectAttempts(3)
			})
			Expect(hub.Start()).To(Succeed())
			<-factory.created

			// every further connection attempt fails
			factory.mx.Lock()
			factory.startErr = errors.New("connection refused")
			factory.mx.Unlock()
			factory.lastClient().serverClose(errors.New("socket died"))

			var attemptTimes []time.Time
			for i := 0; i < 3; i++ {
				Eventually(factory.created, "5s").Should(Receive())
				attemptTimes = append(attemptTimes, time.Now())
			}
			// first attempt immediate, later ones spaced by the delay sequence
			Expect(attemptTimes[1].Sub(attemptTimes[0])).To(BeNumerically(">=", 250*time.Millisecond))
			Expect(attemptTimes[2].Sub(attemptTimes[1])).To(BeNumerically(">=", 250*time.Millisecond))

			// after the budget is exhausted no further attempts are made
			Consistently(factory.created, "800ms").ShouldNot(Receive())
			Expect(hub.State()).To(Equal(Disconnected))
		})

		It("stops reconnecting when the user stops the connection", func() {
			factory := newTestingWebsocketFactory(true)
			hub := buildScenarioHub(factory, func(b *HubConnectionBuilder) {
				b.WithAutomaticReconnect(10 * time.Second)
			})
			Expect(hub.Start()).To(Succeed())
			<-factory.created

			factory.mx.Lock()
			factory.startErr = errors.New("connection refused")
			factory.mx.Unlock()
			factory.lastClient().serverClose(errors.New("socket died"))

			Eventually(hub.State, "2s").Should(Equal(Disconnected))
			Expect(hub.Stop()).To(Succeed())

			// the pending delayed attempt was canceled
			Consistently(factory.created, "500ms").ShouldNot(Receive())
		})
	})

	Context("when the server speaks the legacy protocol", func() {
		It("fails fatally and never reconnects", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"ProtocolVersion":"1.4"}`))
			}))
			defer server.Close()

			factory := newTestingWebsocketFactory(true)
			hub, err := NewHubConnectionBuilder().
				WithURL(server.URL).
				WithWebsocketFactory(factory.factory()).
				WithAutomaticReconnect().
				WithLogger(io.Discard, TraceLevelNone).
				Build()
			Expect(err).NotTo(HaveOccurred())

			Expect(hub.Start()).To(MatchError(ErrLegacyServer))
			Expect(hub.State()).To(Equal(Disconnected))
			Consistently(factory.clientCount, "500ms").Should(Equal(0))
		})
	})
})
