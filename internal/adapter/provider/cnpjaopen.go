package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fairyhunter13/cnpj-enricher/internal/domain"
)

// CNPJaOpen queries the open.cnpja.com office endpoint (five requests per
// minute, no key). It carries the richest payload of the three registries.
type CNPJaOpen struct {
	baseURL string
	hc      *http.Client
}

// NewCNPJaOpen builds the client. baseURL has no trailing slash.
func NewCNPJaOpen(baseURL string, timeout time.Duration) *CNPJaOpen {
	return &CNPJaOpen{baseURL: baseURL, hc: newHTTPClient(timeout)}
}

// Name implements domain.ProviderClient.
func (c *CNPJaOpen) Name() string { return "cnpja_open" }

type cnpjaPayload struct {
	Alias  string `json:"alias"`
	Status struct {
		Text string `json:"text"`
	} `json:"status"`
	Company struct {
		Name    string `json:"name"`
		Simples *struct {
			Optant bool   `json:"optant"`
			Since  string `json:"since"`
		} `json:"simples"`
		Members []struct {
			Person struct {
				Name string `json:"name"`
			} `json:"person"`
			Role struct {
				Text string `json:"text"`
			} `json:"role"`
		} `json:"members"`
	} `json:"company"`
	Address struct {
		Street   string `json:"street"`
		Number   string `json:"number"`
		Details  string `json:"details"`
		District string `json:"district"`
		City     string `json:"city"`
		State    string `json:"state"`
		Zip      string `json:"zip"`
	} `json:"address"`
	MainActivity *struct {
		ID   int    `json:"id"`
		Text string `json:"text"`
	} `json:"mainActivity"`
	SideActivities []struct {
		ID   int    `json:"id"`
		Text string `json:"text"`
	} `json:"sideActivities"`
	Phones []struct {
		Area   string `json:"area"`
		Number string `json:"number"`
	} `json:"phones"`
	Emails []struct {
		Address string `json:"address"`
	} `json:"emails"`
}

// Query implements domain.ProviderClient.
func (c *CNPJaOpen) Query(ctx context.Context, cnpj string) domain.ProviderOutcome {
	status, body, err := get(ctx, c.hc, c.baseURL+"/"+cnpj)
	if err != nil {
		return domain.OutcomeTransientErr(err)
	}
	switch {
	case status == http.StatusOK:
	case status == http.StatusTooManyRequests:
		return domain.OutcomeLimited()
	case status == http.StatusNotFound:
		return domain.OutcomeMissing()
	case status >= 500:
		return domain.OutcomeTransientErr(fmt.Errorf("%w: cnpja_open %d", errUnexpectedStatus, status))
	default:
		return domain.OutcomeInvalidReq(fmt.Errorf("%w: cnpja_open %d", errUnexpectedStatus, status))
	}

	var p cnpjaPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return domain.OutcomeTransientErr(fmt.Errorf("op=cnpja_open.decode: %w", err))
	}

	rec := &domain.Company{
		CNPJ:               cnpj,
		LegalName:          p.Company.Name,
		TradeName:          p.Alias,
		RegistrationStatus: p.Status.Text,
		Street:             p.Address.Street,
		Number:             p.Address.Number,
		Complement:         p.Address.Details,
		Neighborhood:       p.Address.District,
		City:               p.Address.City,
		State:              p.Address.State,
		ZipCode:            cleanZip(p.Address.Zip),
		RawPayload:         body,
	}
	if p.Company.Simples != nil {
		rec.SimplesOptant = p.Company.Simples.Optant
		rec.SimplesSince = parseDate(p.Company.Simples.Since)
	}
	if p.MainActivity != nil {
		rec.MainActivityCode = fmt.Sprintf("%d", p.MainActivity.ID)
		rec.MainActivityText = p.MainActivity.Text
	}
	for _, a := range p.SideActivities {
		rec.SideActivities = append(rec.SideActivities, domain.Activity{Code: fmt.Sprintf("%d", a.ID), Text: a.Text})
	}
	for _, m := range p.Company.Members {
		rec.Partners = append(rec.Partners, domain.Partner{Name: m.Person.Name, Role: m.Role.Text})
	}
	if len(p.Emails) > 0 {
		rec.Email = p.Emails[0].Address
	}
	if len(p.Phones) > 0 {
		rec.Phone = p.Phones[0].Area + p.Phones[0].Number
	}
	return domain.OutcomeSuccess(rec)
}
