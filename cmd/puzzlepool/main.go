// Command puzzlepool runs the pool coordinator: it accepts prover
// connections over Stratum, tracks difficulty and nonce dedup, streams
// epoch announcements from an upstream node session, and credits
// accepted shares through the PPLNS accounting pipeline.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chimera-pool/puzzlepool/internal/accounting"
	"github.com/chimera-pool/puzzlepool/internal/config"
	"github.com/chimera-pool/puzzlepool/internal/ipcache"
	"github.com/chimera-pool/puzzlepool/internal/kvstore"
	"github.com/chimera-pool/puzzlepool/internal/metrics"
	"github.com/chimera-pool/puzzlepool/internal/relational"
	"github.com/chimera-pool/puzzlepool/internal/stratum"
	"github.com/chimera-pool/puzzlepool/internal/upstream"
	"github.com/chimera-pool/puzzlepool/internal/vardiff"
)

func main() {
	var (
		listenAddr      = flag.String("listen", config.GetEnv("STRATUM_LISTEN_ADDR", ":3333"), "address to accept prover connections on")
		metricsAddr     = flag.String("metrics-listen", config.GetEnv("METRICS_LISTEN_ADDR", ":9090"), "address to serve Prometheus metrics on")
		upstreamAddr    = flag.String("upstream", config.GetEnv("UPSTREAM_ADDR", "127.0.0.1:4133"), "upstream node address")
		poolAddress     = flag.String("pool-address", config.MustGetEnv("POOL_ADDRESS"), "the pool's own payout address, used as the block header's target field")
		kvPath          = flag.String("kv-path", config.GetEnv("KV_PATH", filepath.Join(os.Getenv("HOME"), ".aleo_pool_testnet3", "state.db")), "path to the embedded PPLNS snapshot database")
		pplnsWindow     = flag.Uint64("pplns-n", uint64(config.GetEnvInt64("PPLNS_N", 1<<24)), "PPLNS window size N")
		genesisOverride = flag.String("genesis-override", config.GetEnv("GENESIS_OVERRIDE_PATH", ""), "path to a YAML genesis header override, for devnets")
		devAcceptAll    = flag.Bool("dev-accept-all-shares", config.GetEnvBool("DEV_ACCEPT_ALL_SHARES", false), "accept every submitted share without invoking the real proof oracle (devnet only)")

		migrationsPath = flag.String("migrations-path", config.GetEnv("MIGRATIONS_PATH", "internal/relational/migrations"), "path to the SQL migration files")
		dbHost         = flag.String("db-host", config.GetEnv("DB_HOST", "localhost"), "Postgres host")
		dbPort         = flag.Int("db-port", config.GetEnvInt("DB_PORT", 5432), "Postgres port")
		dbName         = flag.String("db-name", config.GetEnv("DB_NAME", "puzzlepool"), "Postgres database name")
		dbUser         = flag.String("db-user", config.GetEnv("DB_USER", "puzzlepool"), "Postgres user")
		dbPass         = flag.String("db-password", config.GetEnv("DB_PASSWORD", ""), "Postgres password")

		redisAddr       = flag.String("redis-addr", config.GetEnv("REDIS_ADDR", ""), "Redis address for the per-IP connection limiter; empty runs in-process only")
		connLimitWindow = flag.Duration("conn-limit-window", config.GetEnvDuration("CONN_LIMIT_WINDOW", time.Minute), "per-IP connection rate limit window")
		connLimitMax    = flag.Int64("conn-limit-max", config.GetEnvInt64("CONN_LIMIT_MAX", 10), "max new connections per IP per window")
	)
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collectors := metrics.New()

	dbConfig := &relational.Config{
		Host: *dbHost, Port: *dbPort, Database: *dbName, Username: *dbUser, Password: *dbPass, SSLMode: "disable",
	}
	if err := relational.RunMigrations(dbConfig, *migrationsPath); err != nil {
		log.Fatalf("run migrations: %v", err)
	}
	dbPool, err := relational.NewConnectionPool(dbConfig)
	if err != nil {
		log.Fatalf("connect to database: %v", err)
	}
	defer dbPool.Close()
	sink := relational.NewSink(dbPool)

	if err := os.MkdirAll(filepath.Dir(*kvPath), 0o700); err != nil {
		log.Fatalf("create kvstore directory for %s: %v", *kvPath, err)
	}
	store, err := kvstore.Open(*kvPath)
	if err != nil {
		log.Fatalf("open kvstore at %s: %v", *kvPath, err)
	}
	defer store.Close()

	calculator := accounting.NewCalculator(*pplnsWindow, store, sink)
	if err := calculator.LoadSnapshot(); err != nil {
		log.Fatalf("load PPLNS snapshot: %v", err)
	}
	log.Printf("PPLNS snapshot loaded: %d entries, window sum %d/%d", calculator.Len(), calculator.WindowSum(), calculator.N())

	limiter, err := ipcache.New(*redisAddr, "", 0, *connLimitWindow, *connLimitMax)
	if err != nil {
		log.Fatalf("initialize connection limiter: %v", err)
	}
	defer limiter.Close()

	genesis, err := upstream.LoadGenesis(*genesisOverride, defaultGenesisConfig())
	if err != nil {
		log.Fatalf("load genesis config: %v", err)
	}
	poolPublicKey, poolPrivateKey, err := upstream.GenerateKeypair()
	if err != nil {
		log.Fatalf("generate pool keypair: %v", err)
	}

	router := &epochRouter{}
	session := upstream.NewSession(upstream.Config{
		Address:       *upstreamAddr,
		Dialer:        dialUpstream,
		PublicKey:     poolPublicKey,
		PrivateKey:    poolPrivateKey,
		GenesisHeader: genesis.Header,
		PeerPublicKey: genesis.PeerPublicKey,
		Epochs:        router,
	})

	server := stratum.NewServer(stratum.ServerConfig{
		PoolAddress: *poolAddress,
		Verifier:    newProofVerifier(*devAcceptAll),
		Accounting:  accountingSinkAdapter{calculator},
		Upstream:    upstreamSinkAdapter{session},
		Vardiff:     vardiff.DefaultConfig(),
	})
	router.server = server

	server.Start()
	defer server.Stop()
	go session.Run(ctx)

	go serveHTTP(*metricsAddr, collectors, dbPool, session)
	go acceptLoop(ctx, *listenAddr, server, limiter, collectors)

	waitForShutdown()
	log.Println("shutting down")
	cancel()
}

func acceptLoop(ctx context.Context, addr string, server *stratum.Server, limiter ipcache.Limiter, collectors *metrics.Collectors) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("listen on %s: %v", addr, err)
	}
	defer listener.Close()
	log.Printf("stratum listening on %s", addr)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Printf("accept error: %v", err)
				continue
			}
		}

		remoteAddr := conn.RemoteAddr().String()
		host, _, _ := net.SplitHostPort(remoteAddr)
		allowed, err := limiter.Allow(ctx, host)
		if err != nil {
			log.Printf("rate limiter error for %s: %v", host, err)
		} else if !allowed {
			conn.Close()
			continue
		}

		collectors.ConnectedProvers.Inc()
		c := stratum.NewConnection(ctx, conn, remoteAddr)
		go func() {
			defer collectors.ConnectedProvers.Dec()
			server.ServeConnection(c)
		}()
	}
}

// serveHTTP runs the pool's operator-facing HTTP surface: /healthz
// reports database and upstream-session reachability for orchestrators
// to probe, and /metrics exposes the Prometheus registry. This is
// deliberately not a dashboard or admin API — no routes here mutate
// pool state.
func serveHTTP(addr string, collectors *metrics.Collectors, dbPool *relational.ConnectionPool, session *upstream.Session) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		dbHealthy := dbPool.HealthCheck(ctx)
		status := http.StatusOK
		if !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"database": dbHealthy,
			"upstream": session.State().String(),
		})
	})
	router.GET("/metrics", gin.WrapH(collectors.Handler()))

	log.Printf("http listening on %s", addr)
	if err := router.Run(addr); err != nil && err != http.ErrServerClosed {
		log.Printf("http server error: %v", err)
	}
}

func dialUpstream(ctx context.Context, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", address)
}

func waitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

// defaultGenesisConfig is a placeholder used when no -genesis-override
// is configured. Its PeerPublicKey does not correspond to any real
// node's private key, so the handshake will never verify against it —
// deliberately fail-closed rather than skipping peer authentication.
// Production deployments must supply -genesis-override pointing at the
// network's real genesis header and the upstream node's public key.
func defaultGenesisConfig() upstream.GenesisConfig {
	header := sha256.Sum256([]byte("puzzlepool-devnet-genesis"))
	peerKey := sha256.Sum256([]byte("puzzlepool-devnet-peer-public-key"))
	return upstream.GenesisConfig{Header: header[:], PeerPublicKey: peerKey}
}

// newProofVerifier returns the share-verification oracle. The real
// oracle is the external proving library's zero-knowledge circuit
// check, which this repository does not implement; devAcceptAll swaps
// in a deterministic stand-in so the coordinator is runnable end to end
// against a devnet before that integration lands.
func newProofVerifier(devAcceptAll bool) stratum.ProofVerifier {
	if devAcceptAll {
		return devAcceptAllVerifier{}
	}
	return unimplementedVerifier{}
}

// devAcceptAllVerifier derives a deterministic pseudo-nonce from the
// submission so S1/S2-style scenarios can be exercised without a real
// proving library in the loop. It must never be used outside devnets.
type devAcceptAllVerifier struct{}

func (devAcceptAllVerifier) Verify(epochHash stratum.EpochHash, addr string, counter, target uint64) (uint64, bool) {
	h := sha256.New()
	h.Write(epochHash[:])
	h.Write([]byte(addr))
	var counterBytes [8]byte
	binary.BigEndian.PutUint64(counterBytes[:], counter)
	h.Write(counterBytes[:])
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8]), true
}

// unimplementedVerifier rejects every share; it is the safe default
// until a real proof oracle is wired in, so a misconfigured deployment
// fails closed instead of crediting unverified shares.
type unimplementedVerifier struct{}

func (unimplementedVerifier) Verify(epochHash stratum.EpochHash, addr string, counter, target uint64) (uint64, bool) {
	return 0, false
}

// epochRouter bridges upstream.EpochSink's plain [32]byte signature to
// the stratum server's named EpochHash type. The server reference is
// filled in after construction since the two must be wired to each
// other in a cycle: the session needs a sink for epochs, the server
// needs a sink for outbound solutions.
type epochRouter struct {
	server *stratum.Server
}

func (r *epochRouter) NewEpochHash(epochHash [32]byte, epochNumber, proofTarget uint64) {
	if r.server == nil {
		return
	}
	r.server.NewEpochHash(stratum.EpochHash(epochHash), epochNumber, proofTarget)
}

// accountingSinkAdapter bridges stratum.AccountingSink's fire-and-forget
// signatures to the calculator's error-returning methods; a failed
// snapshot persist is logged rather than silently dropped, since the
// interface this satisfies has no way to surface it to the caller.
type accountingSinkAdapter struct {
	calculator *accounting.Calculator
}

func (a accountingSinkAdapter) NewShare(address string, weight uint64, epochHash stratum.EpochHash) {
	if err := a.calculator.NewShare(address, weight, epochHash); err != nil {
		log.Printf("accounting: record share for %s: %v", address, err)
	}
}

func (a accountingSinkAdapter) SetN(n uint64) {
	if err := a.calculator.SetN(n); err != nil {
		log.Printf("accounting: set PPLNS window to %d: %v", n, err)
	}
}

// upstreamSinkAdapter bridges stratum.UpstreamSink's Solution type to
// upstream.Session's independently-declared Solution type.
type upstreamSinkAdapter struct {
	session *upstream.Session
}

func (a upstreamSinkAdapter) SubmitUnconfirmedSolution(sol stratum.Solution) {
	a.session.SubmitUnconfirmedSolution(upstream.Solution{
		EpochHash: [32]byte(sol.EpochHash),
		Address:   sol.Address,
		Counter:   sol.Counter,
		Nonce:     sol.Nonce,
	})
}
