package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/wolfeidau/sessiond/internal/models"
	"github.com/wolfeidau/sessiond/internal/ticket"
)

// SessionsCmd queries and removes server-side sessions.
type SessionsCmd struct {
	List   SessionsListCmd   `cmd:"" help:"List sessions"`
	Remove SessionsRemoveCmd `cmd:"" help:"Remove sessions and revoke what they issued"`
}

type SessionsListCmd struct {
	ServerFlags `embed:""`

	Subject     string `help:"Filter by subject id"`
	SessionID   string `help:"Filter by session id"`
	DisplayName string `help:"Filter by display name"`
	PageSize    int    `help:"Number of sessions per page" default:"25"`
	Token       string `help:"Results token from a previous page"`
	Prior       bool   `help:"Page backwards from the results token" default:"false"`
	All         bool   `help:"Follow results tokens until the last page" default:"false"`
	JSON        bool   `help:"Print results as JSON" default:"false"`
}

func (l *SessionsListCmd) Run(ctx context.Context, globals *Globals) error {
	c, err := l.newClient(globals)
	if err != nil {
		return err
	}

	q := models.SessionQuery{
		SubjectID:           l.Subject,
		SessionID:           l.SessionID,
		DisplayName:         l.DisplayName,
		PageSize:            l.PageSize,
		ResultsToken:        l.Token,
		RequestPriorResults: l.Prior,
	}

	for {
		page, err := c.QuerySessions(ctx, q)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}

		if err := l.print(page); err != nil {
			return err
		}

		more := page.HasNextResults
		if l.Prior {
			more = page.HasPrevResults
		}
		if !l.All || !more {
			return nil
		}
		q.ResultsToken = page.ResultsToken
	}
}

func (l *SessionsListCmd) print(page *ticket.QueryResult) error {
	if l.JSON {
		return json.NewEncoder(os.Stdout).Encode(page)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tSUBJECT\tSESSION\tNAME\tCREATED\tEXPIRES")
	for _, s := range page.Results {
		expires := "-"
		if s.Expires != nil {
			expires = s.Expires.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.Key, s.SubjectID, s.SessionID, s.DisplayName,
			s.Created.Local().Format("2006-01-02 15:04:05"), expires)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Printf("\nPage %d of %d (%d sessions)", page.CurrentPage, page.TotalPages, page.TotalCount)
	if page.ResultsToken != "" {
		fmt.Printf(", token: %s", page.ResultsToken)
	}
	fmt.Println()
	return nil
}

type SessionsRemoveCmd struct {
	ServerFlags `embed:""`

	Subject        string   `arg:"" help:"Subject whose sessions are removed"`
	SessionID      string   `help:"Limit the removal to one session"`
	Clients        []string `help:"Limit token revocation and notification to these clients"`
	RemoveSession  bool     `help:"Delete the server-side session records" default:"false"`
	RevokeTokens   bool     `help:"Revoke grants issued to the affected clients" default:"false"`
	RevokeConsents bool     `help:"Revoke consents given to the affected clients" default:"false"`
	Notify         bool     `help:"Send backchannel logout notifications" default:"false"`
	Everything     bool     `help:"Apply every effect" default:"false"`
}

func (r *SessionsRemoveCmd) Run(ctx context.Context, globals *Globals) error {
	rc := models.RemoveSessionsContext{
		SubjectID:                         r.Subject,
		SessionID:                         r.SessionID,
		ClientIDs:                         r.Clients,
		RemoveServerSideSession:           r.RemoveSession || r.Everything,
		RevokeTokens:                      r.RevokeTokens || r.Everything,
		RevokeConsents:                    r.RevokeConsents || r.Everything,
		SendBackchannelLogoutNotification: r.Notify || r.Everything,
	}

	if !rc.RemoveServerSideSession && !rc.RevokeTokens && !rc.RevokeConsents && !rc.SendBackchannelLogoutNotification {
		return errors.New("nothing to do, pass at least one of --remove-session, --revoke-tokens, --revoke-consents, --notify or --everything")
	}

	c, err := r.newClient(globals)
	if err != nil {
		return err
	}

	resp, err := c.RemoveSessions(ctx, rc)
	if err != nil {
		return fmt.Errorf("failed to remove sessions: %w", err)
	}

	fmt.Printf("Affected clients:  %v\n", resp.AffectedClients)
	fmt.Printf("Grants revoked:    %d\n", resp.GrantsRevoked)
	fmt.Printf("Consents revoked:  %d\n", resp.ConsentsRevoked)
	fmt.Printf("Sessions removed:  %d\n", resp.SessionsRemoved)

	if len(resp.Notifications) > 0 {
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CLIENT\tDELIVERED\tDURATION\tERROR")
		for _, n := range resp.Notifications {
			fmt.Fprintf(w, "%s\t%v\t%dms\t%s\n", n.ClientID, n.Delivered, n.DurationMS, n.Error)
		}
		return w.Flush()
	}

	return nil
}
