package orchestration

import "github.com/ButyrinIA/blogclient/internal/gateway"

var (
	authorEmbed = gateway.Embed{
		Alias:      "author",
		Table:      gateway.TableUsers,
		ForeignKey: "author_id",
		ToOne:      true,
		Columns:    []string{"email"},
	}

	// новые посты первыми; id делает порядок полным при совпадении created_at
	listOrder = []gateway.Order{gateway.Desc("created_at"), gateway.Asc("id")}

	// комментарии в порядке разговора: старые первыми
	commentOrder = []gateway.Order{gateway.Asc("created_at"), gateway.Asc("id")}
)

func listQuery(from, to int) gateway.Query {
	return gateway.Query{
		Table: gateway.TablePosts,
		Order: listOrder,
		Range: &gateway.Range{From: from, To: to},
		Count: true,
		Embeds: []gateway.Embed{
			authorEmbed,
			{Alias: "comments", Table: gateway.TableComments, ForeignKey: "post_id", CountOnly: true},
		},
	}
}

func detailQuery(id string) gateway.Query {
	return gateway.Query{
		Table:   gateway.TablePosts,
		Filters: []gateway.Filter{gateway.Eq("id", id)},
		Embeds: []gateway.Embed{
			authorEmbed,
			{
				Alias:      "comments",
				Table:      gateway.TableComments,
				ForeignKey: "post_id",
				Order:      commentOrder,
				Embeds:     []gateway.Embed{authorEmbed},
			},
		},
	}
}

func ownerQuery(table gateway.Table, id string) gateway.Query {
	return gateway.Query{
		Table:   table,
		Columns: []string{"id", "author_id", "image_path"},
		Filters: []gateway.Filter{gateway.Eq("id", id)},
	}
}
