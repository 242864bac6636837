package config

import "strings"

// recipeSites are corpus partitions whose items are schema.org Recipes.
var recipeSites = map[string]bool{
	"seriouseats":    true,
	"hebbarskitchen": true,
	"latam_recipes":  true,
	"woksoflife":     true,
	"cheftariq":      true,
	"spruce":         true,
	"nytimes":        true,
}

// SiteToItemType maps a site identifier to the canonical type of item it
// holds. For any single-site deployment this can stay in code; a multi-tenant
// deployment would move it to the database.
func SiteToItemType(site string) string {
	switch {
	case site == "imdb":
		return "Movie"
	case recipeSites[site]:
		return "Recipe"
	case site == "npr podcasts":
		return "Thing"
	case site == "neurips":
		return "Paper"
	case site == "backcountry":
		return "Outdoor Gear"
	case site == "tripadvisor":
		return "Restaurant"
	case site == "zillow":
		return "RealEstate"
	default:
		return "Item"
	}
}

// ItemTypeToSites returns the configured sites holding items of the given
// type. The query pipeline does not call it; queries are not routed to
// other sites.
func (c *Config) ItemTypeToSites(itemType string) []string {
	var sites []string
	for _, site := range c.NLWeb.Sites {
		if SiteToItemType(site) == itemType {
			sites = append(sites, site)
		}
	}
	return sites
}

// IsSiteAllowed reports whether the site is in the configured allowlist.
// "all" and "nlws" are pseudo-sites that always pass.
func (c *Config) IsSiteAllowed(site string) bool {
	if site == "all" || site == "nlws" || site == "" {
		return true
	}
	for _, s := range c.NLWeb.Sites {
		if s == site {
			return true
		}
	}
	return false
}

// NormalizeSites resolves a raw site request value into the list of allowed
// sites to query. Empty input or "all" selects every configured site. Sites
// not in the allowlist are silently dropped; if nothing survives the filter,
// the full allowlist is used.
func (c *Config) NormalizeSites(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "all" || raw == "nlws" {
		return append([]string(nil), c.NLWeb.Sites...)
	}

	var requested []string
	for _, s := range strings.Split(strings.Trim(raw, "[]"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			requested = append(requested, s)
		}
	}

	var allowed []string
	for _, s := range requested {
		if c.IsSiteAllowed(s) {
			allowed = append(allowed, s)
		}
	}
	if len(allowed) == 0 {
		return append([]string(nil), c.NLWeb.Sites...)
	}
	return allowed
}
