package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"bastion.dev/internal/auth"
	"bastion.dev/internal/client"
	"bastion.dev/internal/ids"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	baseURL := getenv("BASTION_URL", "http://localhost:8080")
	grpcAddr := getenv("BASTION_GRPC_ADDR", "localhost:9090")
	token := os.Getenv("BASTION_ADMIN_TOKEN")
	if token == "" {
		log.Fatal("BASTION_ADMIN_TOKEN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := checkGRPCHealth(ctx, grpcAddr); err != nil {
		log.Fatalf("grpc health at %s: %v", grpcAddr, err)
	}

	c, err := client.New(baseURL, client.WithAdmin(token, "smoke"))
	if err != nil {
		log.Fatalf("client: %v", err)
	}
	if err := c.Ready(ctx); err != nil {
		log.Fatalf("readyz: %v", err)
	}

	tenant := "smoke-" + strings.ToLower(ids.New())
	if err := c.CreateTenant(ctx, tenant, "smoke test"); err != nil {
		log.Fatalf("create tenant: %v", err)
	}
	if _, err := c.SetPolicy(ctx, tenant, auth.SecurityPolicy{
		LockoutThreshold: 2,
		LockoutDuration:  time.Minute,
		SessionLifetime:  10 * time.Minute,
		IdleTimeout:      5 * time.Minute,
		MinSecretLength:  8,
	}); err != nil {
		log.Fatalf("set policy: %v", err)
	}
	const secret = "smoke-secret-1"
	if _, err := c.CreateIdentity(ctx, tenant, auth.NewIdentity{Username: "alice", Secret: secret}); err != nil {
		log.Fatalf("create identity: %v", err)
	}

	login, err := c.Login(ctx, tenant, "alice", secret)
	if err != nil || !login.Success {
		log.Fatalf("login: %+v %v", login, err)
	}
	sess, err := c.ValidateSession(ctx, tenant, login.SessionToken)
	if err != nil || !sess.Valid {
		log.Fatalf("validate: %+v %v", sess, err)
	}

	for i := 0; i < 2; i++ {
		if res, err := c.Login(ctx, tenant, "alice", "wrong-secret"); err != nil || res.Success {
			log.Fatalf("wrong secret accepted: %+v %v", res, err)
		}
	}
	if res, err := c.Login(ctx, tenant, "alice", secret); err != nil || res.Message != auth.MsgAccountLocked {
		log.Fatalf("expected lockout: %+v %v", res, err)
	}
	if res, err := c.AdminUnlock(ctx, tenant, "alice"); err != nil || !res.Success {
		log.Fatalf("unlock: %+v %v", res, err)
	}
	if res, err := c.Login(ctx, tenant, "alice", secret); err != nil || !res.Success {
		log.Fatalf("login after unlock: %+v %v", res, err)
	}

	if res, err := c.RevokeSession(ctx, tenant, login.SessionToken); err != nil || !res.Success {
		log.Fatalf("revoke: %+v %v", res, err)
	}
	if sess, err := c.ValidateSession(ctx, tenant, login.SessionToken); err != nil || sess.Valid {
		log.Fatalf("revoked session still valid: %+v %v", sess, err)
	}

	versions, err := c.CredentialHistory(ctx, tenant, "alice")
	if err != nil {
		log.Fatalf("history: %v", err)
	}
	if n := len(versions); n < 5 {
		log.Fatalf("expected at least 5 credential versions, got %d", n)
	}

	fmt.Printf("✅ bastion smoke test passed: tenant=%s versions=%d\n", tenant, len(versions))
}

func checkGRPCHealth(ctx context.Context, addr string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("status %s", resp.GetStatus())
	}
	return nil
}
