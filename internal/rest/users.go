package rest

import (
	"context"
	"net/url"
)

// BlockUser blocks the counterpart and returns the updated relationship.
func (c *Client) BlockUser(ctx context.Context, userID string) (*Relationship, error) {
	return c.relationshipCall(ctx, "block user", userID, "block")
}

// UnblockUser lifts a block and returns the updated relationship.
func (c *Client) UnblockUser(ctx context.Context, userID string) (*Relationship, error) {
	return c.relationshipCall(ctx, "unblock user", userID, "unblock")
}

func (c *Client) relationshipCall(ctx context.Context, op, userID, action string) (*Relationship, error) {
	if userID == "" {
		return nil, &Error{Kind: KindValidation, Op: op, Message: "user id required"}
	}
	var rel Relationship
	path := "/users/" + url.PathEscape(userID) + "/" + action
	if err := c.postJSON(ctx, op, path, map[string]string{"user_id": userID}, &rel); err != nil {
		return nil, err
	}
	return &rel, nil
}
