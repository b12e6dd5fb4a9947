package medicalrecord

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"eventflow/internal/platform/httpclient"
	"eventflow/internal/platform/observability"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// ErrPetNotFound is returned when the pet directory has no such pet.
var ErrPetNotFound = errors.New("pet not found")

// Pet is the subset of the pet directory record copied into a medical record.
type Pet struct {
	ID      int64  `json:"id"`
	Nombre  string `json:"nombre"`
	Especie string `json:"especie"`
	Raza    string `json:"raza"`
}

// PetDirectory looks pets up in the pets service.
type PetDirectory interface {
	Pet(ctx context.Context, id int64) (Pet, error)
}

// HTTPPetDirectory reads GET {baseURL}/pets/{id} with a read-through cache in front.
type HTTPPetDirectory struct {
	client  *httpclient.Client
	baseURL string
	cache   *gocache.Cache
	logger  observability.Logger
}

func NewHTTPPetDirectory(client *httpclient.Client, baseURL string, ttl time.Duration, logger observability.Logger) *HTTPPetDirectory {
	return &HTTPPetDirectory{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		cache:   gocache.New(ttl, 2*ttl),
		logger:  logger,
	}
}

func (d *HTTPPetDirectory) Pet(ctx context.Context, id int64) (Pet, error) {
	key := strconv.FormatInt(id, 10)
	if cached, found := d.cache.Get(key); found {
		if pet, ok := cached.(Pet); ok {
			d.logger.Debug("cache hit", zap.String("pet_id", key))
			return pet, nil
		}
	}

	var pet Pet
	err := d.client.GetJSON(ctx, fmt.Sprintf("%s/pets/%d", d.baseURL, id), &pet)
	if err != nil {
		if httpclient.NotFound(err) {
			return Pet{}, fmt.Errorf("pet %d: %w", id, ErrPetNotFound)
		}
		return Pet{}, fmt.Errorf("lookup pet %d: %w", id, err)
	}
	if pet.ID == 0 {
		pet.ID = id
	}
	d.cache.SetDefault(key, pet)
	return pet, nil
}
