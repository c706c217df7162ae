package db_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/remitware/payment-proxy/internal/db"
	"github.com/remitware/payment-proxy/internal/domain"
	"github.com/remitware/payment-proxy/internal/events"
	"github.com/remitware/payment-proxy/internal/gateway"
)

// stubAdapter is a scripted in-process provider for integration tests.
type stubAdapter struct {
	mu         sync.Mutex
	rates      gateway.Rates
	orderCalls int
}

func (a *stubAdapter) GetExchangeRates(context.Context, time.Time) (gateway.Rates, error) {
	return a.rates, nil
}

func (a *stubAdapter) PlaceOrder(_ context.Context, req gateway.OrderRequest) (gateway.OrderResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.orderCalls++
	return gateway.OrderResult{OrderID: "prov-" + req.InternalOpID, Status: "accepted"}, nil
}

type stubRegistry struct{ adapter gateway.Adapter }

func (r *stubRegistry) Get(string) (gateway.Adapter, error) { return r.adapter, nil }

// TestCheckPaymentIntegration is a full end-to-end test against real
// PostgreSQL and RabbitMQ: schema setup, seed data, the two-phase protocol,
// balance accounting and event publication.
func TestCheckPaymentIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	postgresContainer, dbURL := startPostgresContainer(t, ctx)
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	}()

	rabbitContainer, rabbitURL := startRabbitMQContainer(t, ctx)
	defer func() {
		if err := rabbitContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate rabbitmq container: %v", err)
		}
	}()

	pool, err := db.NewPool(ctx, dbURL, 10, 2)
	if err != nil {
		t.Fatalf("failed to create database pool: %v", err)
	}
	defer pool.Close()

	if err := db.EnsureSchema(ctx, pool); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}

	partnershipID := seedTestData(t, ctx, pool)

	exchange := "payments.operations"
	routingKey := "payments.operations.completed"
	publisher, err := events.NewRabbitMQPublisher(rabbitURL, exchange, routingKey, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create rabbitmq publisher: %v", err)
	}
	defer publisher.Close()

	eventChan := make(chan map[string]interface{}, 4)
	cleanup := startEventConsumer(t, rabbitURL, exchange, routingKey, eventChan)
	defer cleanup()

	adapter := &stubAdapter{
		rates: gateway.Rates{
			{From: "EUR", To: "USD"}: decimal.RequireFromString("1.05"),
			{From: "USD", To: "KZT"}: decimal.RequireFromString("1.0621"),
		},
	}

	engine := domain.NewEngine(
		db.NewBalanceRepository(pool.Pool),
		db.NewOperationRepository(pool.Pool),
		db.NewSettingsRepository(pool.Pool),
		db.NewTransactionManager(pool.Pool, zap.NewNop()),
		&stubRegistry{adapter: adapter},
		publisher,
		"integration-salt",
		time.Hour,
		zap.NewNop(),
	)

	partnership := &domain.Partnership{
		ID:            partnershipID,
		Domain:        "proxy.test",
		PaymentSystem: "stub",
		IsActive:      true,
	}

	params := domain.CheckParams{
		ServiceType: "card",
		Account:     "4111111111111111",
		Amount:      decimal.RequireFromString("95"),
		ExternalID:  "ext-integration-1",
	}

	// Concurrent identical checks must collapse to one operation.
	const n = 8
	opids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := engine.Check(ctx, partnership, params)
			if err != nil {
				t.Errorf("concurrent Check failed: %v", err)
				return
			}
			opids <- res.OpID
		}()
	}
	wg.Wait()
	close(opids)

	var opid string
	for got := range opids {
		if opid == "" {
			opid = got
		} else if got != opid {
			t.Errorf("concurrent checks returned different opids: %s and %s", opid, got)
		}
	}
	if opid == "" {
		t.Fatal("no check succeeded")
	}

	var opCount int
	if err := pool.QueryRow(ctx,
		`SELECT count(*) FROM operations WHERE partnership_id = $1`, partnershipID,
	).Scan(&opCount); err != nil {
		t.Fatalf("failed to count operations: %v", err)
	}
	if opCount != 1 {
		t.Fatalf("expected 1 operation row, got %d", opCount)
	}

	payParams := domain.PaymentParams{
		OperationID:   opid,
		ServiceType:   "card",
		Account:       "4111111111111111",
		Amount:        decimal.RequireFromString("95"),
		RecipientName: "JOHN DOE",
	}

	payRes, err := engine.Payment(ctx, partnership, payParams)
	if err != nil {
		t.Fatalf("Payment: %v", err)
	}
	if payRes.ProviderOpID != "prov-"+opid {
		t.Errorf("unexpected provider opid %s", payRes.ProviderOpID)
	}

	// 1000 - 95 * 1.05 = 900.25
	var balance string
	if err := pool.QueryRow(ctx,
		`SELECT amount::text FROM balances WHERE partnership_id = $1`, partnershipID,
	).Scan(&balance); err != nil {
		t.Fatalf("failed to read balance: %v", err)
	}
	if !decimal.RequireFromString(balance).Equal(decimal.RequireFromString("900.25")) {
		t.Errorf("expected balance 900.25, got %s", balance)
	}

	var status string
	if err := pool.QueryRow(ctx,
		`SELECT status FROM operations WHERE opid = $1`, opid,
	).Scan(&status); err != nil {
		t.Fatalf("failed to read operation status: %v", err)
	}
	if status != "COMPLETED" {
		t.Errorf("expected status COMPLETED, got %s", status)
	}

	// Replay must return the stored result without a second provider call.
	replay, err := engine.Payment(ctx, partnership, payParams)
	if err != nil {
		t.Fatalf("replayed Payment: %v", err)
	}
	if replay.ProviderOpID != payRes.ProviderOpID {
		t.Errorf("replay returned different provider opid: %s vs %s", replay.ProviderOpID, payRes.ProviderOpID)
	}
	if adapter.orderCalls != 1 {
		t.Errorf("expected exactly 1 provider call, got %d", adapter.orderCalls)
	}

	select {
	case event := <-eventChan:
		if event["operation_id"] != opid {
			t.Errorf("event for operation %v, want %s", event["operation_id"], opid)
		}
		if event["status"] != "COMPLETED" {
			t.Errorf("expected event status COMPLETED, got %v", event["status"])
		}
	case <-time.After(10 * time.Second):
		t.Error("expected a completion event on RabbitMQ")
	}
}

// seedTestData provisions one payment system, partnership, balance, fee record
// and currency mapping, returning the partnership id.
func seedTestData(t *testing.T, ctx context.Context, pool *db.Pool) int64 {
	t.Helper()

	var paymentSystemID int64
	if err := pool.QueryRow(ctx,
		`INSERT INTO payment_systems (name, api_origin) VALUES ('stub', 'http://stub.test') RETURNING id`,
	).Scan(&paymentSystemID); err != nil {
		t.Fatalf("failed to seed payment system: %v", err)
	}

	var partnershipID int64
	if err := pool.QueryRow(ctx,
		`INSERT INTO partnerships (domain, initiator_domain, payment_system_id, is_active)
		 VALUES ('proxy.test', 'initiator.test', $1, TRUE) RETURNING id`, paymentSystemID,
	).Scan(&partnershipID); err != nil {
		t.Fatalf("failed to seed partnership: %v", err)
	}

	seeds := []struct {
		name  string
		query string
	}{
		{"balance", `INSERT INTO balances (partnership_id, amount, currency) VALUES ($1, 1000, 'USD')`},
		{"fee terms", `INSERT INTO conditions
			(partnership_id, service_type, fix, percent, payment_system_percent, insurance, initiator_currency, active_from)
			VALUES ($1, 'card', 0, 0.02, 0, 0, 'EUR', now() - interval '1 day')`},
		{"service currency", `INSERT INTO service_currencies (partnership_id, service_type, currency, country)
			VALUES ($1, 'card', 'KZT', 'KAZ')`},
	}
	for _, seed := range seeds {
		if _, err := pool.Exec(ctx, seed.query, partnershipID); err != nil {
			t.Fatalf("failed to seed %s: %v", seed.name, err)
		}
	}
	return partnershipID
}

// startPostgresContainer starts a PostgreSQL testcontainer and returns the connection URL.
func startPostgresContainer(t *testing.T, ctx context.Context) (testcontainers.Container, string) {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get postgres host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("failed to get postgres port: %v", err)
	}

	dbURL := fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())
	return container, dbURL
}

// startRabbitMQContainer starts a RabbitMQ testcontainer and returns the AMQP URL.
func startRabbitMQContainer(t *testing.T, ctx context.Context) (testcontainers.Container, string) {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3-management",
		ExposedPorts: []string{"5672/tcp", "15672/tcp"},
		Env: map[string]string{
			"RABBITMQ_DEFAULT_USER": "guest",
			"RABBITMQ_DEFAULT_PASS": "guest",
		},
		WaitingFor: wait.ForLog("Server startup complete"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start rabbitmq container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get rabbitmq host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5672")
	if err != nil {
		t.Fatalf("failed to get rabbitmq port: %v", err)
	}

	rabbitURL := fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
	return container, rabbitURL
}

// startEventConsumer binds an exclusive queue to the exchange and forwards
// decoded events to the channel.
func startEventConsumer(t *testing.T, rabbitURL, exchange, routingKey string, eventChan chan map[string]interface{}) func() {
	t.Helper()

	conn, err := amqp.Dial(rabbitURL)
	if err != nil {
		t.Fatalf("failed to connect to rabbitmq: %v", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		t.Fatalf("failed to open channel: %v", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		t.Fatalf("failed to declare exchange: %v", err)
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		t.Fatalf("failed to declare queue: %v", err)
	}

	if err := ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
		ch.Close()
		conn.Close()
		t.Fatalf("failed to bind queue: %v", err)
	}

	msgs, err := ch.Consume(q.Name, "", true, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		t.Fatalf("failed to start consuming: %v", err)
	}

	go func() {
		for msg := range msgs {
			var event map[string]interface{}
			if err := json.Unmarshal(msg.Body, &event); err != nil {
				t.Logf("failed to unmarshal event: %v", err)
				continue
			}
			eventChan <- event
		}
	}()

	return func() {
		ch.Close()
		conn.Close()
	}
}
