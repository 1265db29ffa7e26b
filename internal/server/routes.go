package server

import (
  "net/http"

  "github.com/go-chi/chi/v5"
  "github.com/go-chi/chi/v5/middleware"
)

func (s *Server) routes() http.Handler {
  r := chi.NewRouter()
  r.Use(middleware.Recoverer)
  r.Use(s.requestLogger())

  r.Get("/api/v1/info", s.handleInfo)
  r.Get("/api/v1/balance", s.handleBalance)
  r.Get("/api/v1/rate", s.handleRate)
  r.Get("/api/v1/events", s.handleEvents)

  r.Route("/api/v1/invoices", func(r chi.Router) {
    r.Post("/", s.handleCreateInvoice)
    r.Get("/", s.handleListInvoices)
    r.Get("/{id}", s.handleGetInvoice)
    r.Delete("/{id}", s.handleCancelInvoice)
  })

  r.Route("/api/v1/payments", func(r chi.Router) {
    r.Post("/", s.handlePay)
    r.Get("/", s.handleListPayments)
    r.Get("/{id}", s.handleGetPayment)
  })

  r.Get("/.well-known/lnurlp/{name}", s.handleLNURLPayParams)
  r.Get("/lnurlp/{name}/callback", s.handleLNURLPayCallback)

  return r
}
