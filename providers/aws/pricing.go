package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	"github.com/aws/aws-sdk-go-v2/service/pricing/types"
)

const priceTTL = 24 * time.Hour

type pricingAPI interface {
	GetProducts(ctx context.Context, params *pricing.GetProductsInput, optFns ...func(*pricing.Options)) (*pricing.GetProductsOutput, error)
}

type cachedPrice struct {
	usd     float64
	fetched time.Time
}

// PriceSource looks up on-demand hourly prices of SageMaker hosting
// instances. Prices are cached for a day.
type PriceSource struct {
	api    pricingAPI
	region string
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedPrice
}

func NewPriceSource(api pricingAPI, region string) *PriceSource {
	return &PriceSource{api: api, region: region, now: time.Now, cache: make(map[string]cachedPrice)}
}

// HourlyPrice returns the USD price per instance hour
func (p *PriceSource) HourlyPrice(ctx context.Context, instanceType string) (float64, error) {
	p.mu.Lock()
	if c, ok := p.cache[instanceType]; ok && p.now().Sub(c.fetched) < priceTTL {
		p.mu.Unlock()
		return c.usd, nil
	}
	p.mu.Unlock()

	out, err := p.api.GetProducts(ctx, &pricing.GetProductsInput{
		ServiceCode:   aws.String("AmazonSageMaker"),
		FormatVersion: aws.String("aws_v1"),
		MaxResults:    aws.Int32(20),
		Filters: []types.Filter{
			{Type: types.FilterTypeTermMatch, Field: aws.String("instanceName"), Value: aws.String(instanceType)},
			{Type: types.FilterTypeTermMatch, Field: aws.String("regionCode"), Value: aws.String(p.region)},
			{Type: types.FilterTypeTermMatch, Field: aws.String("component"), Value: aws.String("Hosting")},
		},
	})
	if err != nil {
		return 0, classify("aws.HourlyPrice", err)
	}

	for _, doc := range out.PriceList {
		usd, err := onDemandUSD(doc)
		if err != nil || usd <= 0 {
			continue
		}
		p.mu.Lock()
		p.cache[instanceType] = cachedPrice{usd: usd, fetched: p.now()}
		p.mu.Unlock()
		return usd, nil
	}
	return 0, fmt.Errorf("no on-demand price for %s in %s", instanceType, p.region)
}

// priceDocument is the subset of a Price List product we read
type priceDocument struct {
	Terms struct {
		OnDemand map[string]struct {
			PriceDimensions map[string]struct {
				Unit         string            `json:"unit"`
				PricePerUnit map[string]string `json:"pricePerUnit"`
			} `json:"priceDimensions"`
		} `json:"OnDemand"`
	} `json:"terms"`
}

func onDemandUSD(doc string) (float64, error) {
	var pd priceDocument
	if err := json.Unmarshal([]byte(doc), &pd); err != nil {
		return 0, err
	}
	for _, term := range pd.Terms.OnDemand {
		for _, dim := range term.PriceDimensions {
			if dim.Unit != "Hrs" {
				continue
			}
			if s, ok := dim.PricePerUnit["USD"]; ok {
				return strconv.ParseFloat(s, 64)
			}
		}
	}
	return 0, fmt.Errorf("no hourly USD price in product")
}
