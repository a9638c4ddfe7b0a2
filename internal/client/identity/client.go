package identity

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/client/upstream"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// ServiceName — имя сервиса пользователей в логах, метриках и ошибках.
const ServiceName = "identity"

type userResponse struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
}

// Client обращается к сервису пользователей по HTTP.
type Client struct {
	caller *upstream.Caller
}

// New создаёт клиент сервиса пользователей.
func New(baseURL string, timeout time.Duration, opts ...upstream.Option) *Client {
	return &Client{caller: upstream.NewCaller(ServiceName, baseURL, timeout, opts...)}
}

// GetUser возвращает покупателя или NotFound, если сервис ответил 404.
func (c *Client) GetUser(ctx context.Context, id int64) (domain.User, error) {
	var resp userResponse
	err := c.caller.Do(ctx, upstream.Request{
		Method:   http.MethodGet,
		Path:     fmt.Sprintf("/users/%d", id),
		Resource: "user",
	}, &resp)
	if err != nil {
		return domain.User{}, err
	}
	if resp.ID == 0 {
		resp.ID = id
	}
	return domain.User{ID: resp.ID, Email: resp.Email}, nil
}

var _ domain.IdentityClient = (*Client)(nil)
