package fiveoneone

import "github.com/couchcryptid/traffic-feed-service/internal/domain"

// GraphQL documents for the 511 traveler-information API. The shapes mirror
// what the upstream map client sends; fields the normalizers never read are
// still requested so the retained raw payload stays complete.

const mapFeaturesQuery = `
query MapFeatures($input: MapFeaturesArgs!) {
  mapFeaturesQuery(input: $input) {
    mapFeatures {
      title
      tooltip
      uri
      priority
      bbox
      lastUpdated { timestamp timezone }
      features {
        id
        type
        geometry { type coordinates }
        properties {
          icon { url scaledSize { width height } }
          strokeColor
          fillColor
          zIndex
          priority
        }
      }
    }
    error { message type }
  }
}
`

// The plow layer takes an extra top-level argument.
const mapFeaturesQueryPlow = `
query MapFeatures($input: MapFeaturesArgs!, $plowType: String!) {
  mapFeaturesQuery(input: $input, plowType: $plowType) {
    mapFeatures {
      title
      tooltip
      uri
      priority
      bbox
      lastUpdated { timestamp timezone }
      features {
        id
        type
        geometry { type coordinates }
        properties {
          icon { url scaledSize { width height } }
          strokeColor
          fillColor
          zIndex
          priority
        }
      }
    }
    error { message type }
  }
}
`

const weatherStationsQuery = `
query ($input: ListArgs!) {
  listWeatherStationsQuery(input: $input) {
    stations {
      uri
      title
      color
      icon
      description
      status
      weatherStationFields
      location { routeDesignator }
      lastUpdated { timestamp timezone }
    }
    totalRecords
    error { message type }
  }
}
`

const signsQuery = `
query ($input: ListArgs!) {
  listSignsQuery(input: $input) {
    signs {
      __typename
      uri
      title
      cityReference
      bbox
      icon
      color
      signDisplayType
      signStatus
      location {
        primaryLinearReference
        secondaryLinearReference
        routeDesignator
      }
      views {
        uri
        title
        category
        __typename
      }
    }
    totalRecords
    error { message type }
  }
}
`

const cameraViewsQuery = `
query ($input: ListArgs!) {
  listCameraViewsQuery(input: $input) {
    cameraViews {
      category
      icon
      lastUpdated { timestamp timezone }
      title
      uri
      url
      sources { type src }
      parentCollection {
        title
        uri
        icon
        color
        bbox
        location { routeDesignator }
        lastUpdated { timestamp timezone }
      }
    }
    totalRecords
    error { message type }
  }
}
`

const dashboardQuery = `
query ($input: DashboardArgs!) {
  dashboardQuery(input: $input) {
    collections {
      uri
      title
      lastUpdated { timestamp timezone }
    }
    error { message type }
  }
}
`

const plowLayerSlug = "plowCameras"

// mapFeaturesVariables builds the viewport input for the map-features query.
func mapFeaturesVariables(vp domain.BBox, zoom int, layerSlugs []string) map[string]any {
	return map[string]any{
		"input": map[string]any{
			"north":      vp.MaxLat,
			"south":      vp.MinLat,
			"east":       vp.MaxLon,
			"west":       vp.MinLon,
			"zoom":       zoom,
			"layerSlugs": layerSlugs,
		},
	}
}

// listArgsVariables builds the shared ListArgs input for the static-kind
// list queries. The record limit is generous because static kinds are
// fetched once per run over the full region.
func listArgsVariables(vp domain.BBox) map[string]any {
	return map[string]any{
		"input": map[string]any{
			"west":                     vp.MinLon,
			"south":                    vp.MinLat,
			"east":                     vp.MaxLon,
			"north":                    vp.MaxLat,
			"classificationsOrSlugs":   []string{},
			"sortDirection":            "DESC",
			"sortType":                 "ROADWAY",
			"freeSearchTerm":           "",
			"recordLimit":              1000,
			"recordOffset":             0,
		},
	}
}

func dashboardVariables(layerSlugs []string) map[string]any {
	return map[string]any{
		"input": map[string]any{
			"layerSlugs": layerSlugs,
		},
	}
}
