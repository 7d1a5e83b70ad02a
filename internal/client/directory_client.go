package client

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/expenseflow/be-approvals/internal/httpclient"
)

// DirectoryClient resolves approver identities against the user/role
// directory service. It implements service.DirectoryClient.
type DirectoryClient struct {
	client *httpclient.Client
}

// NewDirectoryClient creates a client for the directory service.
func NewDirectoryClient(baseURL string, timeout time.Duration) *DirectoryClient {
	return &DirectoryClient{client: httpclient.NewClient(baseURL, timeout)}
}

type usersWithRoleResponse struct {
	UserIDs []string `json:"user_ids"`
}

// UsersWithRole returns the user IDs holding a role within a company.
func (c *DirectoryClient) UsersWithRole(ctx context.Context, companyID, role string) ([]string, error) {
	path := fmt.Sprintf("/api/v1/users/by-role?company_id=%s&role=%s",
		url.QueryEscape(companyID), url.QueryEscape(role))

	var resp usersWithRoleResponse
	if err := c.client.Get(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("failed to resolve users for role %s: %w", role, err)
	}
	return resp.UserIDs, nil
}

type managerResponse struct {
	ManagerID string `json:"manager_id"`
}

// ManagerOf returns the user's manager, or "" when none is on file. The
// engine treats an empty manager as a workflow configuration defect.
func (c *DirectoryClient) ManagerOf(ctx context.Context, userID string) (string, error) {
	path := fmt.Sprintf("/api/v1/users/manager?user_id=%s", url.QueryEscape(userID))

	var resp managerResponse
	if err := c.client.Get(ctx, path, &resp); err != nil {
		return "", fmt.Errorf("failed to resolve manager of %s: %w", userID, err)
	}
	return resp.ManagerID, nil
}
