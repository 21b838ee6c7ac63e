package httpdir

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"gopkg.in/op/go-logging.v1"

	"github.com/TheusHen/poqr/poqr/directory"
	"github.com/TheusHen/poqr/poqr/identity"
)

// maxDescriptorSize bounds a POSTed descriptor.
const maxDescriptorSize = 16 << 10

// Server exposes a Resolver over HTTP:
//
//	POST /relays        announce a signed descriptor
//	GET  /relays        list all descriptors
//	GET  /relays/{id}   look up one relay by hex PeerID
type Server struct {
	store directory.Resolver
	log   *logging.Logger
	mux   *http.ServeMux
}

func NewServer(store directory.Resolver, log *logging.Logger) *Server {
	s := &Server{store: store, log: log, mux: http.NewServeMux()}
	s.mux.HandleFunc("/relays", s.handleRelays)
	s.mux.HandleFunc("/relays/", s.handleLookup)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleRelays(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		defer r.Body.Close()
		var d directory.Descriptor
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDescriptorSize)).Decode(&d); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.store.Announce(d); err != nil {
			s.log.Warningf("Rejected descriptor for %s: %v", d.PeerID.Short(), err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.log.Infof("Announced relay %s at %s (%s)", d.PeerID.Short(), d.Addr, d.KEMScheme)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		list, err := s.store.List()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(list)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, err := identity.ParsePeerIDHex(strings.TrimPrefix(r.URL.Path, "/relays/"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d, err := s.store.Lookup(id)
	if errors.Is(err, directory.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(d)
}
