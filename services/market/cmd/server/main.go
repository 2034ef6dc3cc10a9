package main

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"os"
	"strconv"

	"creditlane/pkg/authn"
	"creditlane/pkg/config"
	"creditlane/pkg/db"
	"creditlane/pkg/fhe"
	"creditlane/pkg/httpx"
	"creditlane/pkg/logx"
	"creditlane/pkg/metrics"
	"creditlane/pkg/migrate"
	"creditlane/services/market/internal/idempotency"
	"creditlane/services/market/internal/ledger"
	"creditlane/services/market/internal/store"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/schema"
)

func main() {
	cfg := config.Load()
	log := logx.New("market", cfg.LogLevel)

	if !common.IsHexAddress(cfg.OwnerAddress) {
		log.Fatal().Str("owner", cfg.OwnerAddress).Msg("OWNER_ADDRESS missing or not a hex address")
	}
	owner := common.HexToAddress(cfg.OwnerAddress)

	pool := db.MustConnect()
	migrationsDir := os.Getenv("MIGRATIONS_DIR")
	if migrationsDir == "" {
		migrationsDir = "migrations"
	}
	if err := migrate.Run(context.Background(), pool, migrationsDir); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	var masterKey []byte
	if cfg.FHE.MasterKeyHex != "" {
		var err error
		masterKey, err = hex.DecodeString(cfg.FHE.MasterKeyHex)
		if err != nil {
			log.Fatal().Err(err).Msg("FHE_MASTER_KEY is not valid hex")
		}
	}
	provider, err := fhe.OpenInProc(fhe.InProcConfig{
		DataDir:   cfg.FHE.DataDir,
		MasterKey: masterKey,
		ChainID:   cfg.ChainID,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("open encryption provider")
	}
	defer provider.Close()

	st := store.New(pool)
	engine := ledger.New(st, provider, owner, log)
	if err := engine.Bootstrap(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("bootstrap")
	}

	m := metrics.New()
	queryDecoder := schema.NewDecoder()
	queryDecoder.IgnoreUnknownKeys(true)

	r := chi.NewRouter()
	r.Use(logx.RequestLogger(log))
	r.Use(m.Middleware)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Method("GET", "/metrics", metrics.Handler())

	r.Route("/market", func(api chi.Router) {

		// Public reads.

		api.Get("/users/{address}/registered", func(w http.ResponseWriter, r *http.Request) {
			raw := chi.URLParam(r, "address")
			if !common.IsHexAddress(raw) {
				httpx.WriteError(w, 400, "BAD_ADDRESS", "not a hex address", nil)
				return
			}
			ok, err := engine.IsUserRegistered(r.Context(), common.HexToAddress(raw))
			if err != nil {
				httpx.WriteDomainError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "registered": ok})
		})

		api.Get("/issuers/{address}", func(w http.ResponseWriter, r *http.Request) {
			raw := chi.URLParam(r, "address")
			if !common.IsHexAddress(raw) {
				httpx.WriteError(w, 400, "BAD_ADDRESS", "not a hex address", nil)
				return
			}
			ok, err := engine.IsAuthorizedIssuer(r.Context(), common.HexToAddress(raw))
			if err != nil {
				httpx.WriteDomainError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "authorized": ok})
		})

		api.Get("/credits/{credit_id}", func(w http.ResponseWriter, r *http.Request) {
			id, err := strconv.ParseInt(chi.URLParam(r, "credit_id"), 10, 64)
			if err != nil {
				httpx.WriteError(w, 400, "BAD_ID", "credit_id must be an integer", nil)
				return
			}
			c, found, err := engine.CreditInfo(r.Context(), id)
			if err != nil {
				httpx.WriteDomainError(w, err)
				return
			}
			if !found {
				httpx.WriteError(w, 404, "NOT_FOUND", "no such credit", nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "credit": c})
		})

		api.Get("/orders/{order_id}", func(w http.ResponseWriter, r *http.Request) {
			id, err := strconv.ParseInt(chi.URLParam(r, "order_id"), 10, 64)
			if err != nil {
				httpx.WriteError(w, 400, "BAD_ID", "order_id must be an integer", nil)
				return
			}
			o, found, err := engine.OrderInfo(r.Context(), id)
			if err != nil {
				httpx.WriteDomainError(w, err)
				return
			}
			if !found {
				httpx.WriteError(w, 404, "NOT_FOUND", "no such order", nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "order": o})
		})

		api.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
			stats, err := engine.SystemStats(r.Context())
			if err != nil {
				httpx.WriteDomainError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "stats": stats})
		})

		api.Get("/events", func(w http.ResponseWriter, r *http.Request) {
			var filter store.EventFilter
			if err := queryDecoder.Decode(&filter, r.URL.Query()); err != nil {
				httpx.WriteError(w, 400, "BAD_QUERY", err.Error(), nil)
				return
			}
			events, err := st.ListEvents(r.Context(), filter)
			if err != nil {
				httpx.WriteDomainError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "events": events})
		})

		// Signed writes and private reads.

		api.Group(func(priv chi.Router) {
			priv.Use(authn.Middleware)

			priv.Post("/users", func(w http.ResponseWriter, r *http.Request) {
				caller, _ := authn.Caller(r.Context())
				u, err := engine.RegisterUser(r.Context(), caller)
				if err != nil {
					httpx.WriteDomainError(w, err)
					return
				}
				httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "user": u})
			})

			priv.Post("/issuers", func(w http.ResponseWriter, r *http.Request) {
				caller, _ := authn.Caller(r.Context())
				var req struct {
					Address string `json:"address"`
				}
				if err := httpx.ReadJSON(r, &req); err != nil {
					httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
					return
				}
				if !common.IsHexAddress(req.Address) {
					httpx.WriteError(w, 400, "BAD_ADDRESS", "not a hex address", nil)
					return
				}
				if err := engine.AuthorizeIssuer(r.Context(), caller, common.HexToAddress(req.Address)); err != nil {
					httpx.WriteDomainError(w, err)
					return
				}
				httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "authorized": req.Address})
			})

			priv.Post("/credits", func(w http.ResponseWriter, r *http.Request) {
				caller, _ := authn.Caller(r.Context())
				cc := idempotency.CallerContext{Caller: caller, IdempotencyKey: r.Header.Get("Idempotency-Key")}
				if status, body, replayed, err := idempotency.Replay(r.Context(), st, cc, "POST /market/credits"); err != nil {
					httpx.WriteDomainError(w, err)
					return
				} else if replayed {
					httpx.WriteJSON(w, status, body)
					return
				}
				var req struct {
					Amount           uint32 `json:"amount"`
					Price            uint32 `json:"price"`
					ProjectType      string `json:"project_type"`
					VerificationHash string `json:"verification_hash"`
				}
				if err := httpx.ReadJSON(r, &req); err != nil {
					httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
					return
				}
				c, err := engine.IssueCredits(r.Context(), caller, req.Amount, req.Price, req.ProjectType, common.HexToHash(req.VerificationHash))
				if err != nil {
					httpx.WriteDomainError(w, err)
					return
				}
				resp := map[string]any{"request_id": httpx.NewRequestID(), "credit": c}
				if err := idempotency.Save(r.Context(), st, cc, "POST /market/credits", 201, resp); err != nil {
					log.Error().Err(err).Msg("save idempotency record")
				}
				httpx.WriteJSON(w, 201, resp)
			})

			priv.Put("/credits/{credit_id}/verification", func(w http.ResponseWriter, r *http.Request) {
				caller, _ := authn.Caller(r.Context())
				id, err := strconv.ParseInt(chi.URLParam(r, "credit_id"), 10, 64)
				if err != nil {
					httpx.WriteError(w, 400, "BAD_ID", "credit_id must be an integer", nil)
					return
				}
				var req struct {
					VerificationHash string `json:"verification_hash"`
				}
				if err := httpx.ReadJSON(r, &req); err != nil {
					httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
					return
				}
				if err := engine.UpdateVerification(r.Context(), caller, id, common.HexToHash(req.VerificationHash)); err != nil {
					httpx.WriteDomainError(w, err)
					return
				}
				httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "credit_id": id})
			})

			priv.Post("/orders", func(w http.ResponseWriter, r *http.Request) {
				caller, _ := authn.Caller(r.Context())
				cc := idempotency.CallerContext{Caller: caller, IdempotencyKey: r.Header.Get("Idempotency-Key")}
				if status, body, replayed, err := idempotency.Replay(r.Context(), st, cc, "POST /market/orders"); err != nil {
					httpx.WriteDomainError(w, err)
					return
				} else if replayed {
					httpx.WriteJSON(w, status, body)
					return
				}
				var req struct {
					CreditID int64  `json:"credit_id"`
					Amount   uint32 `json:"amount"`
					MaxPrice uint32 `json:"max_price"`
				}
				if err := httpx.ReadJSON(r, &req); err != nil {
					httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
					return
				}
				o, err := engine.CreateBuyOrder(r.Context(), caller, req.CreditID, req.Amount, req.MaxPrice)
				if err != nil {
					httpx.WriteDomainError(w, err)
					return
				}
				resp := map[string]any{"request_id": httpx.NewRequestID(), "order": o}
				if err := idempotency.Save(r.Context(), st, cc, "POST /market/orders", 201, resp); err != nil {
					log.Error().Err(err).Msg("save idempotency record")
				}
				httpx.WriteJSON(w, 201, resp)
			})

			priv.Post("/orders/{order_id}/execute", func(w http.ResponseWriter, r *http.Request) {
				caller, _ := authn.Caller(r.Context())
				id, err := strconv.ParseInt(chi.URLParam(r, "order_id"), 10, 64)
				if err != nil {
					httpx.WriteError(w, 400, "BAD_ID", "order_id must be an integer", nil)
					return
				}
				cc := idempotency.CallerContext{Caller: caller, IdempotencyKey: r.Header.Get("Idempotency-Key")}
				if status, body, replayed, err := idempotency.Replay(r.Context(), st, cc, "POST /market/orders/execute"); err != nil {
					httpx.WriteDomainError(w, err)
					return
				} else if replayed {
					httpx.WriteJSON(w, status, body)
					return
				}
				o, err := engine.ExecuteTrade(r.Context(), caller, id)
				if err != nil {
					httpx.WriteDomainError(w, err)
					return
				}
				m.SettlementExecuted()
				resp := map[string]any{"request_id": httpx.NewRequestID(), "order": o}
				if err := idempotency.Save(r.Context(), st, cc, "POST /market/orders/execute", 200, resp); err != nil {
					log.Error().Err(err).Msg("save idempotency record")
				}
				httpx.WriteJSON(w, 200, resp)
			})

			priv.Post("/orders/{order_id}/cancel", func(w http.ResponseWriter, r *http.Request) {
				caller, _ := authn.Caller(r.Context())
				id, err := strconv.ParseInt(chi.URLParam(r, "order_id"), 10, 64)
				if err != nil {
					httpx.WriteError(w, 400, "BAD_ID", "order_id must be an integer", nil)
					return
				}
				o, err := engine.CancelOrder(r.Context(), caller, id)
				if err != nil {
					httpx.WriteDomainError(w, err)
					return
				}
				httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "order": o})
			})

			priv.Post("/deposits", func(w http.ResponseWriter, r *http.Request) {
				caller, _ := authn.Caller(r.Context())
				cc := idempotency.CallerContext{Caller: caller, IdempotencyKey: r.Header.Get("Idempotency-Key")}
				if status, body, replayed, err := idempotency.Replay(r.Context(), st, cc, "POST /market/deposits"); err != nil {
					httpx.WriteDomainError(w, err)
					return
				} else if replayed {
					httpx.WriteJSON(w, status, body)
					return
				}
				var req struct {
					Amount uint64 `json:"amount"`
				}
				if err := httpx.ReadJSON(r, &req); err != nil {
					httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
					return
				}
				if err := engine.DepositTokens(r.Context(), caller, req.Amount); err != nil {
					httpx.WriteDomainError(w, err)
					return
				}
				resp := map[string]any{"request_id": httpx.NewRequestID(), "deposited": req.Amount}
				if err := idempotency.Save(r.Context(), st, cc, "POST /market/deposits", 200, resp); err != nil {
					log.Error().Err(err).Msg("save idempotency record")
				}
				httpx.WriteJSON(w, 200, resp)
			})

			priv.Get("/me/balances", func(w http.ResponseWriter, r *http.Request) {
				caller, _ := authn.Caller(r.Context())
				u, err := engine.MyBalances(r.Context(), caller)
				if err != nil {
					httpx.WriteDomainError(w, err)
					return
				}
				httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "balances": map[string]any{
					"token_balance":  u.TokenBalance,
					"credit_balance": u.CreditBalance,
				}})
			})

			priv.Get("/me/credits", func(w http.ResponseWriter, r *http.Request) {
				caller, _ := authn.Caller(r.Context())
				ids, err := engine.MyCreditIDs(r.Context(), caller)
				if err != nil {
					httpx.WriteDomainError(w, err)
					return
				}
				if ids == nil {
					ids = []int64{}
				}
				httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "credit_ids": ids})
			})

			priv.Get("/me/orders", func(w http.ResponseWriter, r *http.Request) {
				caller, _ := authn.Caller(r.Context())
				ids, err := engine.MyOrderIDs(r.Context(), caller)
				if err != nil {
					httpx.WriteDomainError(w, err)
					return
				}
				if ids == nil {
					ids = []int64{}
				}
				httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "order_ids": ids})
			})
		})
	})

	// Decryption gateway. Authorization is the typed-data signature in
	// the body, not the request signature, so these stay outside the
	// signed group.
	r.Route("/fhe", func(api chi.Router) {

		api.Post("/decrypt", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Handle    string `json:"handle"`
				Requester string `json:"requester"`
				Signature string `json:"signature"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			if !common.IsHexAddress(req.Requester) {
				httpx.WriteError(w, 400, "BAD_ADDRESS", "requester is not a hex address", nil)
				return
			}
			sig, err := hex.DecodeString(req.Signature)
			if err != nil {
				httpx.WriteError(w, 400, "BAD_SIGNATURE", "signature is not valid hex", nil)
				return
			}
			value, err := provider.Decrypt(r.Context(), fhe.Handle(req.Handle), common.HexToAddress(req.Requester), sig)
			if err != nil {
				writeFHEError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "value": value})
		})

		api.Post("/public-decrypt", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Handle string `json:"handle"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			value, err := provider.PublicDecrypt(r.Context(), fhe.Handle(req.Handle))
			if err != nil {
				writeFHEError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "value": value})
		})
	})

	log.Info().Str("port", cfg.Port).Str("owner", owner.Hex()).Msg("market service listening")
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func writeFHEError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fhe.ErrUnknownHandle):
		httpx.WriteError(w, 404, "UNKNOWN_HANDLE", err.Error(), nil)
	case errors.Is(err, fhe.ErrBadSignature):
		httpx.WriteError(w, 401, "BAD_SIGNATURE", err.Error(), nil)
	case errors.Is(err, fhe.ErrAccessDenied):
		httpx.WriteError(w, 403, "NOT_AUTHORIZED", err.Error(), nil)
	case errors.Is(err, fhe.ErrNotPublic):
		httpx.WriteError(w, 403, "NOT_PUBLIC", err.Error(), nil)
	default:
		httpx.WriteError(w, 500, "PROVIDER_ERROR", err.Error(), nil)
	}
}
